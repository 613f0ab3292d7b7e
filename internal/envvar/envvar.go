package envvar

const (
	// LotabotsEnv is the environment variable used to determine the environment
	LotabotsEnv = "LOTABOTS_ENV"

	// LotabotsCacheDir is the environment variable used to override the model cache directory
	LotabotsCacheDir = "LOTABOTS_CACHE_DIR"

	// LotabotsLogFile is the environment variable used to enable file logging
	LotabotsLogFile = "LOTABOTS_LOG_FILE"

	// LotabotsLogLevel is the environment variable used to set the log level
	LotabotsLogLevel = "LOTABOTS_LOG_LEVEL"

	// HFAPIToken is the environment variable holding the Hugging Face API token
	HFAPIToken = "HF_API_TOKEN"

	// LotabotsConverter is the environment variable holding the path to convert_hf_to_gguf.py
	LotabotsConverter = "LOTABOTS_CONVERTER"

	// LotabotsOCIUsername is the environment variable holding the OCI registry user name
	LotabotsOCIUsername = "LOTABOTS_OCI_USERNAME"

	// LotabotsOCIToken is the environment variable holding the OCI registry token or password
	LotabotsOCIToken = "LOTABOTS_OCI_TOKEN"
)
