package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Receipt is the YAML record written next to an installed helper.
type Receipt struct {
	Identifier     string    `yaml:"identifier"`
	BinaryPath     string    `yaml:"binary_path"`
	DescriptorPath string    `yaml:"descriptor_path"`
	BinarySHA256   string    `yaml:"binary_sha256"`
	Version        string    `yaml:"version"`
	InstalledAt    time.Time `yaml:"installed_at"`
}

// Marshal encodes the receipt as YAML.
func (r Receipt) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return data, nil
}

// ReadReceipt loads a receipt from path.
func ReadReceipt(path string) (Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Receipt{}, fmt.Errorf("read receipt %q: %w", path, err)
	}
	var r Receipt
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("parse receipt %q: %w", path, err)
	}
	return r, nil
}

// FileSHA256 returns the hex digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
