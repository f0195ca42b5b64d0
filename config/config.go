// Copyright 2025 Ekjot Singh
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvclient/util/logutil"
)

// Config contains configuration options.
type Config struct {
	Log       Log       `toml:"log" json:"log"`
	Security  Security  `toml:"security" json:"security"`
	RawClient RawClient `toml:"raw-client" json:"raw-client"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// ToLogConfig converts *Log to *logutil.LogConfig.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	return logutil.NewLogConfig(l.Level, l.Format, l.File.Filename, l.File, l.DisableTimestamp)
}

// Security is the security section of the config.
type Security struct {
	ClusterSSLCA   string `toml:"cluster-ssl-ca" json:"cluster-ssl-ca"`
	ClusterSSLCert string `toml:"cluster-ssl-cert" json:"cluster-ssl-cert"`
	ClusterSSLKey  string `toml:"cluster-ssl-key" json:"cluster-ssl-key"`
}

// ToTLSConfig generates tls's config based on security section of the config.
func (s *Security) ToTLSConfig() (*tls.Config, error) {
	var tlsConfig *tls.Config
	if len(s.ClusterSSLCA) != 0 {
		var certificates = make([]tls.Certificate, 0)
		if len(s.ClusterSSLCert) != 0 && len(s.ClusterSSLKey) != 0 {
			// Load the client certificates from disk
			certificate, err := tls.LoadX509KeyPair(s.ClusterSSLCert, s.ClusterSSLKey)
			if err != nil {
				return nil, errors.Errorf("could not load client key pair: %s", err)
			}
			certificates = append(certificates, certificate)
		}

		// Create a certificate pool from the certificate authority
		certPool := x509.NewCertPool()
		ca, err := ioutil.ReadFile(s.ClusterSSLCA)
		if err != nil {
			return nil, errors.Errorf("could not read ca certificate: %s", err)
		}

		// Append the certificates from the CA
		if !certPool.AppendCertsFromPEM(ca) {
			return nil, errors.New("failed to append ca certs")
		}

		tlsConfig = &tls.Config{
			Certificates: certificates,
			RootCAs:      certPool,
		}
	}

	return tlsConfig, nil
}

// RawClient is the raw KV client section of the config.
type RawClient struct {
	// GrpcConnectionCount is the max gRPC connections that will be established
	// with each store.
	GrpcConnectionCount uint `toml:"grpc-connection-count" json:"grpc-connection-count"`
	// MaxBatchCount is the max entry count in a single dispatched batch.
	MaxBatchCount uint `toml:"max-batch-count" json:"max-batch-count"`
	// MaxBatchSize is the max byte size of keys (plus values for writes) in a
	// single dispatched batch.
	MaxBatchSize uint `toml:"max-batch-size" json:"max-batch-size"`
	// WorkerPoolSize is the number of concurrent batch dispatch workers.
	WorkerPoolSize uint `toml:"worker-pool-size" json:"worker-pool-size"`
	// EnableForwarding makes an unreachable leader store accessed through a
	// reachable follower acting as a proxy.
	EnableForwarding bool `toml:"enable-forwarding" json:"enable-forwarding"`
	// BatchTimeout bounds a single batch RPC.
	BatchTimeout Duration `toml:"batch-timeout" json:"batch-timeout"`
	// ForwardTimeout bounds a single batch RPC sent through a proxy store.
	ForwardTimeout Duration `toml:"forward-timeout" json:"forward-timeout"`
}

// Duration is a wrapper of time.Duration for TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var defaultConf = Config{
	Log: Log{
		Level:  "info",
		Format: "text",
		File: logutil.NewFileLogConfig(true, logutil.DefaultLogMaxSize),
	},
	RawClient: RawClient{
		GrpcConnectionCount: 4,
		MaxBatchCount:       512,
		MaxBatchSize:        16 * 1024,
		WorkerPoolSize:      8,
		EnableForwarding:    false,
		BatchTimeout:        Duration{20 * time.Second},
		ForwardTimeout:      Duration{20 * time.Second},
	},
}

var globalConf = unsafe.Pointer(&defaultConf)

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalConfig() *Config {
	return (*Config)(atomic.LoadPointer(&globalConf))
}

// StoreGlobalConfig stores a new config to the globalConf.
func StoreGlobalConfig(config *Config) {
	atomic.StorePointer(&globalConf, unsafe.Pointer(config))
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.Valid())
}

// Valid checks whether the config is valid.
func (c *Config) Valid() error {
	if c.RawClient.WorkerPoolSize == 0 {
		return errors.New("raw-client worker-pool-size should be greater than 0")
	}
	if c.RawClient.MaxBatchCount == 0 {
		return errors.New("raw-client max-batch-count should be greater than 0")
	}
	if c.RawClient.MaxBatchSize == 0 {
		return errors.New("raw-client max-batch-size should be greater than 0")
	}
	if c.RawClient.GrpcConnectionCount == 0 {
		return errors.New("raw-client grpc-connection-count should be greater than 0")
	}
	return nil
}
