// config.go - Rookery configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
// Copyright (C) 2026  The Rookery Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the Rookery configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultStartupTimeout   = 30 * 1000
	defaultHandshakeTimeout = 30 * 1000
	defaultCloseTimeout     = 10 * 1000
	defaultAckTimeout       = 2 * 1000
	defaultSendTimeout      = 30 * 1000
	defaultReceiveTimeout   = 30 * 1000
	defaultTick             = 10
	defaultFrameSize        = 128
	defaultInboundQueueLen  = 256
	defaultCorridorQueueLen = 128

	// MinFrameSize is the smallest permitted corridor frame payload.
	MinFrameSize = 4

	// MaxFrameSize is the largest permitted corridor frame payload.
	MaxFrameSize = 256
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Identity is the local identity shared by every server connection.
type Identity struct {
	// Nickname is the desired nickname on every server.
	Nickname string

	// PrivateKeyFile is the PEM encoded RSA private key.  A key is
	// generated and written there when the file does not exist.
	PrivateKeyFile string

	// Address is the network address reported to peers during the
	// handshake.
	Address string
}

func (iCfg *Identity) validate() error {
	if iCfg.Nickname == "" {
		return errors.New("config: Identity: Nickname is not set")
	}
	for _, r := range iCfg.Nickname {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("config: Identity: Nickname '%v' contains invalid characters", iCfg.Nickname)
		}
	}
	if iCfg.PrivateKeyFile == "" {
		return errors.New("config: Identity: PrivateKeyFile is not set")
	}
	return nil
}

// Timeouts are the blocking operation bounds, in milliseconds.
type Timeouts struct {
	// Startup bounds connecting to each server.
	Startup int

	// Handshake bounds Harem.Open.
	Handshake int

	// Close bounds Corridor.Close and the remote close drain.
	Close int

	// Ack is how long a frame may stay unacknowledged on a server before
	// it is retransmitted.
	Ack int

	// Send bounds how long Corridor.Put waits for a free server slot.
	Send int

	// Receive bounds Corridor.Get.
	Receive int

	// Tick is the polling interval of every worker loop.
	Tick int
}

func (tCfg *Timeouts) applyDefaults() {
	if tCfg.Startup <= 0 {
		tCfg.Startup = defaultStartupTimeout
	}
	if tCfg.Handshake <= 0 {
		tCfg.Handshake = defaultHandshakeTimeout
	}
	if tCfg.Close <= 0 {
		tCfg.Close = defaultCloseTimeout
	}
	if tCfg.Ack <= 0 {
		tCfg.Ack = defaultAckTimeout
	}
	if tCfg.Send <= 0 {
		tCfg.Send = defaultSendTimeout
	}
	if tCfg.Receive <= 0 {
		tCfg.Receive = defaultReceiveTimeout
	}
	if tCfg.Tick <= 0 {
		tCfg.Tick = defaultTick
	}
}

// StartupTimeout returns Startup as a time.Duration.
func (tCfg *Timeouts) StartupTimeout() time.Duration { return ms(tCfg.Startup) }

// HandshakeTimeout returns Handshake as a time.Duration.
func (tCfg *Timeouts) HandshakeTimeout() time.Duration { return ms(tCfg.Handshake) }

// CloseTimeout returns Close as a time.Duration.
func (tCfg *Timeouts) CloseTimeout() time.Duration { return ms(tCfg.Close) }

// AckTimeout returns Ack as a time.Duration.
func (tCfg *Timeouts) AckTimeout() time.Duration { return ms(tCfg.Ack) }

// SendTimeout returns Send as a time.Duration.
func (tCfg *Timeouts) SendTimeout() time.Duration { return ms(tCfg.Send) }

// ReceiveTimeout returns Receive as a time.Duration.
func (tCfg *Timeouts) ReceiveTimeout() time.Duration { return ms(tCfg.Receive) }

// TickInterval returns Tick as a time.Duration.
func (tCfg *Timeouts) TickInterval() time.Duration { return ms(tCfg.Tick) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Corridor is the corridor framing configuration.
type Corridor struct {
	// FrameSize is the payload size of each frame, in bytes.
	FrameSize int

	// Dupes is the number of additional verbatim copies of every frame.
	Dupes int

	// Streaming delivers contiguous data as soon as it arrives instead of
	// once per Put.
	Streaming bool
}

func (cCfg *Corridor) applyDefaults() {
	if cCfg.FrameSize == 0 {
		cCfg.FrameSize = defaultFrameSize
	}
}

func (cCfg *Corridor) validate() error {
	if cCfg.FrameSize < MinFrameSize || cCfg.FrameSize > MaxFrameSize {
		return fmt.Errorf("config: Corridor: FrameSize %d is outside [%d, %d]", cCfg.FrameSize, MinFrameSize, MaxFrameSize)
	}
	if cCfg.Dupes < 0 {
		return fmt.Errorf("config: Corridor: Dupes %d is negative", cCfg.Dupes)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Keyring is the optional persistent record of completed handshakes.
type Keyring struct {
	// File is the bbolt database path.  Empty disables the keyring.
	File string
}

// Metrics is the optional prometheus listener.
type Metrics struct {
	// Address is the listen address for /metrics.  Empty disables it.
	Address string
}

// Debug holds knobs that should not need changing.
type Debug struct {
	// InboundQueueLength is the capacity of the decrypted inbound queue
	// shared by all server connections.
	InboundQueueLength int

	// CorridorQueueLength is the capacity of each corridor's inbound
	// frame queue.
	CorridorQueueLength int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.InboundQueueLength <= 0 {
		dCfg.InboundQueueLength = defaultInboundQueueLen
	}
	if dCfg.CorridorQueueLength <= 0 {
		dCfg.CorridorQueueLength = defaultCorridorQueueLen
	}
}

// Config is the top level Rookery configuration.
type Config struct {
	// Servers is the list of reachable chat servers, as host or
	// host:port.
	Servers []string

	Identity *Identity
	Timeouts *Timeouts
	Corridor *Corridor
	Logging  *Logging
	Keyring  *Keyring
	Metrics  *Metrics
	Debug    *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Identity == nil {
		return errors.New("config: No Identity block was present")
	}
	if err := cfg.Identity.validate(); err != nil {
		return err
	}

	if len(cfg.Servers) == 0 {
		return errors.New("config: No Servers were configured")
	}
	seen := make(map[string]bool)
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		n, err := NormalizeServer(s)
		if err != nil {
			return err
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		servers = append(servers, n)
	}
	cfg.Servers = servers

	if cfg.Timeouts == nil {
		cfg.Timeouts = &Timeouts{}
	}
	cfg.Timeouts.applyDefaults()
	if cfg.Corridor == nil {
		cfg.Corridor = &Corridor{}
	}
	cfg.Corridor.applyDefaults()
	if err := cfg.Corridor.validate(); err != nil {
		return err
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.Keyring == nil {
		cfg.Keyring = &Keyring{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Debug.applyDefaults()
	return nil
}

// NormalizeServer lowercases and IDNA encodes the host part of a server
// entry, keeping the port if one was given.
func NormalizeServer(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("config: empty server entry")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, ""
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("config: failed to normalize server '%v': %w", s, err)
	}
	if port == "" {
		return ascii, nil
	}
	return net.JoinHostPort(ascii, port), nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
