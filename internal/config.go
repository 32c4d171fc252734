package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/ferebee/beachcomb/internal/assign"
	"github.com/ferebee/beachcomb/internal/classify"
	"github.com/ferebee/beachcomb/internal/planner"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

const cutoffLayout = "2006-01-02"

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Scan   ScanConfig        `yaml:"scan"`
	Plan   PlanConfig        `yaml:"plan"`
	Output OutputConfig      `yaml:"output"`
	PDF    PDFConfig         `yaml:"pdf"`
	Video  VideoConfig       `yaml:"video"`
	Office OfficeConfig      `yaml:"office"`
	SQLite SQLiteConfig      `yaml:"sqlite"`
	Serve  ServeConfig       `yaml:"serve"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Scan.Validate(); err != nil {
		return err
	}
	if err := c.Plan.Validate(); err != nil {
		return err
	}
	if err := c.Output.Validate(); err != nil {
		return err
	}
	if err := c.PDF.Validate(); err != nil {
		return err
	}
	if err := c.Serve.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// ScanConfig describes the input tree and how hard to look at each file.
type ScanConfig struct {
	Source  string `yaml:"source"`
	Dest    string `yaml:"dest"`
	Mode    string `yaml:"mode"`
	Workers int    `yaml:"workers"`

	// UndatedCutoff is an ISO date (YYYY-MM-DD). Files with an mtime newer
	// than this carry no trustworthy filesystem date. Empty means seven
	// days before the run starts.
	UndatedCutoff string `yaml:"undated_cutoff"`

	// FollowSettleSec keeps discovery open after the initial walk until no
	// new file has appeared for this many seconds. Zero disables follow.
	FollowSettleSec int `yaml:"follow_settle_sec"`
}

// Validate validates the scan configuration.
func (c *ScanConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Source, validation.Required),
		validation.Field(&c.Dest, validation.Required),
		validation.Field(&c.Mode, validation.Required,
			validation.In(classify.ModeLight, classify.ModeHeavy)),
		validation.Field(&c.Workers, validation.Min(1), validation.Max(256)),
		validation.Field(&c.UndatedCutoff, validation.Date(cutoffLayout)),
		validation.Field(&c.FollowSettleSec, validation.Min(0)),
	)
}

// CutoffTime resolves the undated cutoff, defaulting to seven days before
// now: no carved file should legitimately carry a younger original mtime.
func (c *ScanConfig) CutoffTime(now time.Time) time.Time {
	if c.UndatedCutoff == "" {
		return now.AddDate(0, 0, -7)
	}
	t, err := time.ParseInLocation(cutoffLayout, c.UndatedCutoff, time.Local)
	if err != nil {
		return now.AddDate(0, 0, -7)
	}
	return t
}

// PlanConfig controls bucket sizing and subtype promotion.
type PlanConfig struct {
	MaxPerBin             int `yaml:"max_per_bin"`
	PromoteThreshold      int `yaml:"promote_threshold"`
	PromoteMakeThreshold  int `yaml:"promote_make_threshold"`
	PromoteModelThreshold int `yaml:"promote_model_threshold"`
}

// Validate validates the plan configuration.
func (c *PlanConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxPerBin, validation.Required, validation.Min(1)),
		validation.Field(&c.PromoteThreshold, validation.Min(1)),
		validation.Field(&c.PromoteMakeThreshold, validation.Min(1)),
		validation.Field(&c.PromoteModelThreshold, validation.Min(1)),
	)
}

// OutputConfig controls naming and materialization of the plan.
type OutputConfig struct {
	Rename       string `yaml:"rename"`
	ManifestPath string `yaml:"manifest_path"`
	ReportPath   string `yaml:"report_path"`
	Commit       bool   `yaml:"commit"`
	Move         bool   `yaml:"move"`
	DryRun       bool   `yaml:"dry_run"`
}

// Validate validates the output configuration.
func (c *OutputConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Rename, validation.Required,
			validation.In(assign.RenameNone, assign.RenameAll, assign.RenamePhotorec)),
	); err != nil {
		return err
	}
	if c.Move && !c.Commit {
		return fmt.Errorf("output: move requires commit")
	}
	return nil
}

// PDFConfig controls PDF repair and the OCR stage of a commit.
type PDFConfig struct {
	Repair     bool   `yaml:"repair"`
	OCR        string `yaml:"ocr"`
	OCRLang    string `yaml:"ocr_lang"`
	OCRWorkers int    `yaml:"ocr_workers"`
}

// Validate validates the PDF configuration.
func (c *PDFConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.OCR, validation.Required,
			validation.In(planner.OCROff, planner.OCRScans, planner.OCRAll)),
		validation.Field(&c.OCRWorkers, validation.Min(1), validation.Max(64)),
	)
}

// VideoConfig controls video validation depth and rewrap repair.
type VideoConfig struct {
	Repair bool `yaml:"repair"`
	Smoke  bool `yaml:"smoke"`
}

// OfficeConfig controls Office document validation depth.
type OfficeConfig struct {
	Deep bool `yaml:"deep"`
}

// SQLiteConfig holds the run audit database path. Empty disables the run log.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ServeConfig controls the review HTTP server.
type ServeConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Address returns the HTTP server address.
func (c *ServeConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the serve configuration.
func (c *ServeConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds review server authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		Scan: ScanConfig{
			Mode:    classify.ModeLight,
			Workers: 4,
		},
		Plan: PlanConfig{
			MaxPerBin:             1000,
			PromoteThreshold:      10,
			PromoteMakeThreshold:  25,
			PromoteModelThreshold: 25,
		},
		Output: OutputConfig{
			Rename: assign.RenameNone,
		},
		PDF: PDFConfig{
			OCR:        planner.OCROff,
			OCRLang:    "eng",
			OCRWorkers: 2,
		},
		Serve: ServeConfig{
			Port: 8080,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
