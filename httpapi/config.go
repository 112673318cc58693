package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr string
}
