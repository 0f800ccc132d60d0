package sigmatrade

const (
	// EnvPrefix is prepended to every configuration variable, e.g. SIGMATRADE_WALLETS.
	EnvPrefix = "SIGMATRADE"

	// ExplorerAPIKeyEnv defines the environment variable name containing the explorer API key.
	ExplorerAPIKeyEnv = EnvPrefix + "_EXPLORER_API_KEY"

	// NodeWSURLEnv defines the environment variable name of the streaming node endpoint.
	NodeWSURLEnv = EnvPrefix + "_NODE_WS_URL"
)
