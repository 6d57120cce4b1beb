package internal

import (
	"errors"
	"testing"
)

func validConfig(mode string) *Config {
	cfg := &Config{}
	_ = cfg.Flags()
	cfg.Mode = mode
	cfg.APIKey = "secret"
	cfg.ApplyModeDefaults()
	return cfg
}

func TestModeDefaults(t *testing.T) {
	c := validConfig(ModeConstruct)
	if c.PageSize != 100000 || c.Termination != string(ExactEmpty) || c.Reporting != string(ReportPerPage) {
		t.Fatalf("unexpected construct defaults: %d %s %s", c.PageSize, c.Termination, c.Reporting)
	}
	l := validConfig(ModeLinks)
	if l.PageSize != 50000 || l.Termination != string(ShortPage) || l.Reporting != string(ReportPerRequest) {
		t.Fatalf("unexpected links defaults: %d %s %s", l.PageSize, l.Termination, l.Reporting)
	}
	if l.TargetPrefix != "http://data.ordnancesurvey.co.uk/" {
		t.Fatalf("unexpected target prefix %s", l.TargetPrefix)
	}

	explicit := &Config{Mode: ModeLinks, PageSize: 10, Termination: string(ExactEmpty)}
	explicit.ApplyModeDefaults()
	if explicit.PageSize != 10 || explicit.Termination != string(ExactEmpty) {
		t.Fatal("explicit values must survive mode defaults")
	}
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		for _, mode := range []string{ModeConstruct, ModeLinks} {
			if err := validConfig(mode).Validate(); err != nil {
				t.Errorf("%s: %v", mode, err)
			}
		}
	})
	cases := map[string]func(c *Config){
		"missing api key":     func(c *Config) { c.APIKey = "" },
		"unknown mode":        func(c *Config) { c.Mode = "describe" },
		"zero page size":      func(c *Config) { c.PageSize = 0 },
		"bad termination":     func(c *Config) { c.Termination = "never" },
		"bad reporting":       func(c *Config) { c.Reporting = "loud" },
		"no workers":          func(c *Config) { c.Workers = 0 },
		"no timeout":          func(c *Config) { c.FetchTimeout = 0 },
		"negative retries":    func(c *Config) { c.Retries = -1 },
		"no output":           func(c *Config) { c.Output = "" },
		"bad compression":     func(c *Config) { c.Compression = "rar" },
		"unknown store":       func(c *Config) { c.Store = "tdb" },
		"sqlite without path": func(c *Config) { c.Store = StoreSQLite; c.StorePath = "" },
		"jwt without wellknown": func(c *Config) {
			c.Authenticator = "jwt"
			c.TokenIssuer, c.TokenAudience = "i", "a"
		},
		"jwt without issuer": func(c *Config) {
			c.Authenticator = "jwt"
			c.JwtWellKnown = "http://localhost/.well-known/jwks.json"
		},
		"links without properties": func(c *Config) { c.PropertiesFile = "" },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig(ModeLinks)
			breakIt(c)
			err := c.Validate()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
	t.Run("inline lists replace files", func(t *testing.T) {
		c := validConfig(ModeLinks)
		c.DatasetsFile, c.PropertiesFile = "", ""
		c.Datasets = []string{"osnames"}
		c.Properties = []string{"http://www.w3.org/2002/07/owl#sameAs"}
		if err := c.Validate(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("API_KEY", "from-env")
	t.Setenv("WORKERS", "8")
	t.Setenv("OUTPUT", "target/out.nq.lz4")
	c := validConfig(ModeConstruct)
	if err := c.LoadEnv(); err != nil {
		t.Fatal(err)
	}
	if c.APIKey != "from-env" || c.Workers != 8 || c.Output != "target/out.nq.lz4" {
		t.Fatalf("env not applied: %+v", c)
	}

	t.Setenv("PAGE_SIZE", "many")
	if err := c.LoadEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error for bad int, got %v", err)
	}
}

func TestPolicy(t *testing.T) {
	p, err := validConfig(ModeLinks).Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.PageSize != 50000 || p.Termination != ShortPage || p.Reporting != ReportPerRequest || p.Transform == nil {
		t.Fatalf("unexpected links policy %+v", p)
	}
	p, err = validConfig(ModeConstruct).Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Termination != ExactEmpty || p.Transform == nil {
		t.Fatalf("unexpected construct policy %+v", p)
	}
	if _, err := (&Config{Mode: "x", Termination: string(ShortPage), Reporting: string(ReportPerPage)}).Policy(); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected unknown mode, got %v", err)
	}
}
