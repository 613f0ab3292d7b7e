package commands

import (
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/ekisa-team/lotabots/internal/device"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices quantization can run on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := device.NewDetector().Report()

			for _, d := range report.Devices {
				cmd.Println(d)
			}
			cmd.Println()
			cmd.Println("arch:", report.Host.Architecture)
			cmd.Println("memory:", units.BytesSize(float64(report.Host.TotalRAM)))
			cmd.Println("available:", units.BytesSize(float64(report.Host.AvailableRAM)))

			return nil
		},
	}
}
