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
	"io/ioutil"
	"os"
	"testing"
	"time"

	. "github.com/pingcap/check"
)

func TestT(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) TestDefault(c *C) {
	conf := NewConfig()
	c.Assert(conf.Valid(), IsNil)
	c.Assert(conf.RawClient.MaxBatchCount, Equals, uint(512))
	c.Assert(conf.RawClient.MaxBatchSize, Equals, uint(16*1024))
	c.Assert(conf.RawClient.EnableForwarding, IsFalse)
	c.Assert(conf.RawClient.BatchTimeout.Duration, Equals, 20*time.Second)
}

func (s *testConfigSuite) TestLoad(c *C) {
	f, err := ioutil.TempFile("", "kvclient-config")
	c.Assert(err, IsNil)
	defer os.Remove(f.Name())

	_, err = f.WriteString(`
[log]
level = "warn"

[raw-client]
max-batch-count = 16
max-batch-size = 1024
worker-pool-size = 2
enable-forwarding = true
batch-timeout = "5s"
`)
	c.Assert(err, IsNil)
	c.Assert(f.Close(), IsNil)

	conf := NewConfig()
	c.Assert(conf.Load(f.Name()), IsNil)
	c.Assert(conf.Log.Level, Equals, "warn")
	c.Assert(conf.RawClient.MaxBatchCount, Equals, uint(16))
	c.Assert(conf.RawClient.MaxBatchSize, Equals, uint(1024))
	c.Assert(conf.RawClient.WorkerPoolSize, Equals, uint(2))
	c.Assert(conf.RawClient.EnableForwarding, IsTrue)
	c.Assert(conf.RawClient.BatchTimeout.Duration, Equals, 5*time.Second)
	// untouched sections keep defaults
	c.Assert(conf.RawClient.GrpcConnectionCount, Equals, uint(4))
}

func (s *testConfigSuite) TestInvalid(c *C) {
	conf := NewConfig()
	conf.RawClient.WorkerPoolSize = 0
	c.Assert(conf.Valid(), NotNil)

	conf = NewConfig()
	conf.RawClient.MaxBatchSize = 0
	c.Assert(conf.Valid(), NotNil)
}

func (s *testConfigSuite) TestGlobalConfig(c *C) {
	orig := GetGlobalConfig()
	defer StoreGlobalConfig(orig)

	conf := NewConfig()
	conf.RawClient.MaxBatchCount = 7
	StoreGlobalConfig(conf)
	c.Assert(GetGlobalConfig().RawClient.MaxBatchCount, Equals, uint(7))
}
