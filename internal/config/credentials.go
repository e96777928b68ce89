package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Credentials represents the structure of ~/.config/timelink/credentials.yml.
type Credentials struct {
	Toggl struct {
		APIToken string `yaml:"api_token"`
	} `yaml:"toggl"`
	Jira struct {
		Email    string `yaml:"email"`
		APIToken string `yaml:"api_token"`
	} `yaml:"jira"`
}

// CredentialsPath returns the credentials file location.
func (c *Config) CredentialsPath() (string, error) {
	if c.CredentialsFile != "" {
		return c.CredentialsFile, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.yml"), nil
}

// ReadCredentials parses a credentials file.
func ReadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	return &creds, nil
}

// applyCredentials fills tokens not set through config or TIMELINK_* env:
// 1. TOGGL_API_TOKEN / JIRA_API_TOKEN / JIRA_EMAIL environment variables
// 2. the credentials file
func (c *Config) applyCredentials() error {
	if c.Toggl.Token == "" {
		c.Toggl.Token = os.Getenv("TOGGL_API_TOKEN")
	}
	if c.Jira.Token == "" {
		c.Jira.Token = os.Getenv("JIRA_API_TOKEN")
	}
	if c.Jira.Email == "" {
		c.Jira.Email = os.Getenv("JIRA_EMAIL")
	}
	if c.Toggl.Token != "" && c.Jira.Token != "" {
		return nil
	}

	path, err := c.CredentialsPath()
	if err != nil {
		return nil
	}
	creds, err := ReadCredentials(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && c.CredentialsFile == "" {
			return nil
		}
		return err
	}

	if c.Toggl.Token == "" {
		c.Toggl.Token = creds.Toggl.APIToken
	}
	if c.Jira.Token == "" {
		c.Jira.Token = creds.Jira.APIToken
		if c.Jira.Email == "" {
			c.Jira.Email = creds.Jira.Email
		}
	}
	return nil
}
