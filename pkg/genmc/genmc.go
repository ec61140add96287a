// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package genmc models the narrow contract the interpreter core
// exposes to an external model checker under genmc_mode (spec §6,
// §9 open question 3): a Scheduler decision callback the evaluation
// loop can consult in place of its own seeded stream, and the
// miri_genmc_verifier_assume path-pruning hook. Everything else about
// how a real checker explores alternative schedules is out of core
// scope; this package only defines the handshake and a best-effort
// client for it.
package genmc

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mirage-rt/mirage/pkg/log"
)

// Decider is the Scheduler decision callback an external model
// checker drives: the same two nondeterministic-choice points
// pkg/scheduler's own seeded stream serves (pkg/weakmem candidate
// selection and cmpxchg_weak spurious failure), plus the verdict on
// a miri_genmc_verifier_assume condition. InterpCx consults a Decider
// instead of pkg/scheduler's PRNG for these three decisions whenever
// one is attached.
type Decider interface {
	// Choice picks an index in [0,n) for a weak-memory candidate
	// selection.
	Choice(n int) int
	// SpuriousFail decides a compare_exchange_weak spurious failure.
	SpuriousFail(rate float64) bool
	// Assume reports whether execution should continue past a
	// miri_genmc_verifier_assume(cond) call. Client reports the
	// checker's verdict; Local has only one exploration, so it
	// reports cond unchanged.
	Assume(cond bool) bool
}

// Local is the zero-checker-attached fallback: spec §6's "without the
// external model checker attached, there is only one path to prune
// from". It never dials out and always returns the condition it was
// given verbatim, matching intrinsicGenmcAssume's prior behavior.
type Local struct{}

func (Local) Choice(n int) int               { return 0 }
func (Local) SpuriousFail(rate float64) bool { return false }
func (Local) Assume(cond bool) bool          { return cond }

// Client is a connection to an out-of-process model checker, dialed
// over TCP with exponential backoff since the checker is a separate
// OS process and a transient refused connection during its own
// startup is expected, not exceptional. Client implements Decider by
// exchanging one newline-terminated request/response line per
// decision; if the connection is ever lost, Client falls back to
// Local's single-path behavior for the remainder of the run rather
// than aborting it.
type Client struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	logger log.Logger
	local  Local
}

// Dial connects to addr, retrying with exponential backoff up to
// maxElapsed before giving up. logger may be nil (log.Discard is
// used).
func Dial(addr string, maxElapsed time.Duration, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var conn net.Conn
	op := func() error {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			logger.Debugf("genmc: dial %s failed, retrying: %v", addr, err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("genmc: could not reach checker at %s: %w", addr, err)
	}
	logger.Infof("genmc: connected to external checker at %s", addr)
	return &Client{
		conn:   conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		logger: logger,
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ask sends req and reads back one trimmed response line, dropping
// and permanently disabling the connection if the round trip fails.
func (c *Client) ask(req string) (string, bool) {
	if c.conn == nil {
		return "", false
	}
	if _, err := c.rw.WriteString(req + "\n"); err != nil || c.rw.Flush() != nil {
		c.dropConn()
		return "", false
	}
	line, err := c.rw.ReadString('\n')
	if err != nil {
		c.dropConn()
		return "", false
	}
	return trimNL(line), true
}

// dropConn closes the connection and disables it, permanently
// switching this Client to Local's fallback behavior.
func (c *Client) dropConn() {
	c.logger.Warningf("genmc: lost connection to checker, falling back to local pruning")
	c.conn.Close()
	c.conn = nil
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Choice implements Decider.
func (c *Client) Choice(n int) int {
	resp, ok := c.ask(fmt.Sprintf("choice %d", n))
	if !ok {
		return c.local.Choice(n)
	}
	var v int
	if _, err := fmt.Sscanf(resp, "%d", &v); err != nil || v < 0 || v >= n {
		return c.local.Choice(n)
	}
	return v
}

// SpuriousFail implements Decider.
func (c *Client) SpuriousFail(rate float64) bool {
	resp, ok := c.ask(fmt.Sprintf("spurious %g", rate))
	if !ok {
		return c.local.SpuriousFail(rate)
	}
	return resp == "1"
}

// Assume implements Decider.
func (c *Client) Assume(cond bool) bool {
	req := "assume 0"
	if cond {
		req = "assume 1"
	}
	resp, ok := c.ask(req)
	if !ok {
		return c.local.Assume(cond)
	}
	return resp == "1"
}
