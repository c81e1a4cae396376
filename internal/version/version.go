package version

const (
	CLIName = "euroyield"
	Version = "0.1.0"
)
