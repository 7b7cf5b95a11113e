package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FolderStructure controls what a bare directory (one without a folder
// note) becomes on the Confluence side.
const (
	// FolderStructureFolders publishes bare directories as v2 folders.
	FolderStructureFolders = "folders"

	// FolderStructurePages publishes bare directories as blank pages.
	FolderStructurePages = "pages"
)

// Config holds all environment-based configuration for confluence-sync.
type Config struct {
	// Confluence instance and credentials.
	BaseURL  string `env:"CONFLUENCE_BASE_URL"`
	User     string `env:"CONFLUENCE_USER"`
	APIToken string `env:"CONFLUENCE_API_TOKEN"`

	// ParentPageID is the global root page for legacy mode. When empty,
	// publishing runs in metadata-driven mode and each subtree root must
	// declare its own parent via front matter.
	ParentPageID string `env:"CONFLUENCE_PARENT_PAGE_ID" envDefault:""`

	// ContentRoot is the local directory to publish from.
	ContentRoot string `env:"CONTENT_ROOT"`

	// FolderStructure selects "folders" (v2 hierarchical objects) or
	// "pages" (blank pages) for bare directories.
	FolderStructure string `env:"FOLDER_STRUCTURE" envDefault:"folders"`

	// SingleFile restricts the update phase to one vault-relative path.
	SingleFile string `env:"SINGLE_FILE" envDefault:""`

	// RequirePublishMarker selects only files carrying
	// "confluence-publish: true". When false every file publishes
	// unless the marker is explicitly false.
	RequirePublishMarker bool `env:"REQUIRE_PUBLISH_MARKER" envDefault:"true"`

	// Watch republishes on filesystem changes instead of exiting after
	// one run.
	Watch bool `env:"WATCH" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve ContentRoot to an absolute path at startup. The loader's
	// path traversal checks rely on string prefix comparison, which only
	// works reliably with absolute paths.
	absRoot, err := filepath.Abs(cfg.ContentRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving content root to absolute path: %w", err)
	}

	cfg.ContentRoot = absRoot
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("CONFLUENCE_BASE_URL is required")
	}

	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("CONFLUENCE_BASE_URL must start with http:// or https://")
	}

	if c.User == "" {
		return fmt.Errorf("CONFLUENCE_USER is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("CONFLUENCE_API_TOKEN is required")
	}

	if c.ContentRoot == "" {
		return fmt.Errorf("CONTENT_ROOT is required")
	}

	if c.FolderStructure != FolderStructureFolders && c.FolderStructure != FolderStructurePages {
		return fmt.Errorf("FOLDER_STRUCTURE must be %q or %q", FolderStructureFolders, FolderStructurePages)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
