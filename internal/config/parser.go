package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

type fileConfig struct {
	Identifier *string      `json:"identifier"`
	SocketPath *string      `json:"socket_path"`
	LogLevel   *string      `json:"log_level"`
	Install    *fileInstall `json:"install"`
	Channel    *fileChannel `json:"channel"`
	Peer       *filePeer    `json:"peer"`
	Power      *filePower   `json:"power"`
}

type fileInstall struct {
	BinaryPath     *string `json:"binary_path"`
	DescriptorPath *string `json:"descriptor_path"`
	ReceiptPath    *string `json:"receipt_path"`
	LockPath       *string `json:"lock_path"`
}

type fileChannel struct {
	ConnectTimeoutMS *int `json:"connect_timeout_ms"`
	ReplyTimeoutMS   *int `json:"reply_timeout_ms"`
	MalformedLimit   *int `json:"malformed_limit"`
}

type filePeer struct {
	AllowUIDs []uint32 `json:"allow_uids"`
	HelperUID *uint32  `json:"helper_uid"`
}

type filePower struct {
	WakeCmd  *string `json:"wake_cmd"`
	SleepCmd *string `json:"sleep_cmd"`
}

// Parse reads JSONC configuration content over the defaults, fills derived
// paths, and validates the result.
func Parse(content string) (Config, []Warning, error) {
	cfg, err := decode(content)
	if err != nil {
		return Config{}, nil, err
	}
	return finish(cfg)
}

func finish(cfg Config) (Config, []Warning, error) {
	cfg = materialize(cfg, runtime.GOOS)
	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

// decode applies content to base() without validating.
func decode(content string) (Config, error) {
	cfg := base()
	if strings.TrimSpace(content) == "" {
		return cfg, nil
	}

	standard, err := hujson.Standardize([]byte(content))
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var file fileConfig
	dec := json.NewDecoder(bytes.NewReader(standard))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return Config{}, wrapDecodeError(standard, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("invalid JSONC: trailing content after top-level object")
	}

	if err := file.apply(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (f fileConfig) apply(cfg *Config) error {
	setString(&cfg.Identifier, f.Identifier)
	setString(&cfg.SocketPath, f.SocketPath)
	setString(&cfg.LogLevel, f.LogLevel)

	if in := f.Install; in != nil {
		setString(&cfg.Install.BinaryPath, in.BinaryPath)
		setString(&cfg.Install.DescriptorPath, in.DescriptorPath)
		setString(&cfg.Install.ReceiptPath, in.ReceiptPath)
		setString(&cfg.Install.LockPath, in.LockPath)
	}

	if ch := f.Channel; ch != nil {
		if ch.ConnectTimeoutMS != nil {
			cfg.Channel.ConnectTimeout = time.Duration(*ch.ConnectTimeoutMS) * time.Millisecond
		}
		if ch.ReplyTimeoutMS != nil {
			cfg.Channel.ReplyTimeout = time.Duration(*ch.ReplyTimeoutMS) * time.Millisecond
		}
		if ch.MalformedLimit != nil {
			cfg.Channel.MalformedLimit = *ch.MalformedLimit
		}
	}

	if p := f.Peer; p != nil {
		if p.AllowUIDs != nil {
			cfg.Peer.AllowUIDs = append([]uint32(nil), p.AllowUIDs...)
		}
		if p.HelperUID != nil {
			cfg.Peer.HelperUID = *p.HelperUID
		}
	}

	if pw := f.Power; pw != nil {
		if err := setCommand(&cfg.Power.WakeCmd, pw.WakeCmd, "power.wake_cmd"); err != nil {
			return err
		}
		if err := setCommand(&cfg.Power.SleepCmd, pw.SleepCmd, "power.sleep_cmd"); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setCommand(dst *CommandConfig, raw *string, key string) error {
	if raw == nil {
		return nil
	}
	argv, err := parseArgv(*raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = CommandConfig{Raw: strings.TrimSpace(*raw), Argv: argv}
	return nil
}

// wrapDecodeError adds a line number to JSON syntax and type errors.
func wrapDecodeError(content []byte, err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("invalid JSONC at line %d: %w", lineAt(content, syntaxErr.Offset), err)
	case errors.As(err, &typeErr):
		return fmt.Errorf("invalid value for %q at line %d: %w", typeErr.Field, lineAt(content, typeErr.Offset), err)
	default:
		return fmt.Errorf("invalid config: %w", err)
	}
}

func lineAt(content []byte, offset int64) int {
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	return bytes.Count(content[:offset], []byte{'\n'}) + 1
}
