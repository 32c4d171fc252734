package internal

// Option is a functional option for configuring a beachcomb invocation.
type Option func(*application)

type application struct {
	config *Config
}

// WithConfig sets the validated run configuration. Run fails without one.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}
