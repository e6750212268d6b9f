package cbus

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCGate is an in-memory C-Gate. Command connections answer through the
// responder; monitor connections carry whatever Push writes.
type fakeCGate struct {
	mu       sync.Mutex
	respond  func(cmd string) []string
	delay    func(cmd string) time.Duration
	commands []string
	monitors []net.Conn
	dials    int
}

func newFakeCGate() *fakeCGate {
	return &fakeCGate{
		respond: defaultResponse,
		delay:   func(string) time.Duration { return 0 },
	}
}

// defaultResponse reports network 254 ready and accepts every command.
func defaultResponse(cmd string) []string {
	if cmd == "net list" {
		return []string{"131 network=254 state=ok"}
	}
	return []string{"200 OK."}
}

// SetResponder replaces the command responder. A nil reply sends nothing.
func (f *fakeCGate) SetResponder(fn func(cmd string) []string) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

// SetDelay makes the gateway wait before answering a command.
func (f *fakeCGate) SetDelay(fn func(cmd string) time.Duration) {
	f.mu.Lock()
	f.delay = fn
	f.mu.Unlock()
}

// Dial implements DialFunc. Addresses on the event port become monitor
// connections.
func (f *fakeCGate) Dial(_ context.Context, address string) (net.Conn, error) {
	client, server := net.Pipe()
	monitor := strings.HasSuffix(address, fmt.Sprintf(":%d", defaultEventPort))

	f.mu.Lock()
	f.dials++
	if monitor {
		f.monitors = append(f.monitors, server)
	}
	f.mu.Unlock()

	if monitor {
		go writeLine(server, "201 Service ready") //nolint:errcheck
	} else {
		go f.serveCommands(server, true)
	}
	return client, nil
}

func (f *fakeCGate) serveCommands(conn net.Conn, banner bool) {
	defer conn.Close()
	if banner {
		if err := writeLine(conn, "201 Service ready"); err != nil {
			return
		}
	}

	// Replies go through one writer so a delayed answer can land after
	// later commands, as a slow gateway's would.
	out := make(chan string, 64)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case line := <-out:
				writeLine(conn, line) //nolint:errcheck
			}
		}
	}()
	send := func(lines []string) {
		for _, line := range lines {
			select {
			case out <- line:
			case <-done:
				return
			}
		}
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		tag, cmd, tagged := splitTag(strings.TrimRight(line, "\r\n"))

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		respond := f.respond
		delay := f.delay
		f.mu.Unlock()

		var replies []string
		for _, reply := range respond(cmd) {
			if tagged {
				reply = "[" + tag + "] " + reply
			}
			replies = append(replies, reply)
		}
		if d := delay(cmd); d > 0 {
			time.AfterFunc(d, func() { send(replies) })
			continue
		}
		send(replies)
	}
}

// Push writes line to every open monitor connection.
func (f *fakeCGate) Push(line string) error {
	f.mu.Lock()
	monitors := append([]net.Conn(nil), f.monitors...)
	f.mu.Unlock()
	for _, m := range monitors {
		if err := writeLine(m, line); err != nil {
			return err
		}
	}
	return nil
}

// DropMonitors closes the gateway side of every monitor connection.
func (f *fakeCGate) DropMonitors() {
	f.mu.Lock()
	monitors := f.monitors
	f.monitors = nil
	f.mu.Unlock()
	for _, m := range monitors {
		m.Close()
	}
}

// Commands returns the commands received so far, net list included.
func (f *fakeCGate) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// CommandsWithPrefix filters Commands.
func (f *fakeCGate) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCGate) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func writeLine(conn net.Conn, line string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

// pipeSource hands out channels wired straight to a fakeCGate, without a
// supervisor.
type pipeSource struct {
	primary   *Channel
	secondary *Channel
}

func (p pipeSource) Primary() (*Channel, error) {
	if p.primary == nil {
		return nil, ErrNotConnected
	}
	return p.primary, nil
}

func (p pipeSource) Secondary() (*Channel, error) {
	if p.secondary == nil {
		return nil, ErrNotConnected
	}
	return p.secondary, nil
}

// newPipeSource opens a primary and a secondary channel served by f.
func newPipeSource(t *testing.T, f *fakeCGate) pipeSource {
	t.Helper()
	open := func(name string) *Channel {
		client, server := net.Pipe()
		go f.serveCommands(server, false)
		ch, err := NewChannel(name, client, nil)
		if err != nil {
			t.Fatalf("NewChannel(%s) error: %v", name, err)
		}
		t.Cleanup(func() { ch.Close() })
		return ch
	}
	return pipeSource{primary: open(ChannelPrimary), secondary: open(ChannelSecondary)}
}

// newTestSupervisor connects a supervisor to f and closes it on cleanup.
func newTestSupervisor(t *testing.T, f *fakeCGate, logger Logger) *Supervisor {
	t.Helper()
	sup := NewSupervisor(SupervisorConfig{
		Host:           "cgate.test",
		Network:        "254",
		ConnectTimeout: time.Second,
		BannerTimeout:  time.Second,
		CommandTimeout: time.Second,
		RetryInterval:  10 * time.Millisecond,
		Dial:           f.Dial,
	}, logger)
	t.Cleanup(func() { sup.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return sup
}

// sinkEvent is one BroadcastEvent call.
type sinkEvent struct {
	Type    string
	Payload map[string]any
}

// recordingSink implements StateSink in memory.
type recordingSink struct {
	mu         sync.Mutex
	onOff      map[string]bool
	brightness map[string]int
	fields     map[string]map[string]string
	events     []sinkEvent
	calls      int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		onOff:      make(map[string]bool),
		brightness: make(map[string]int),
		fields:     make(map[string]map[string]string),
	}
}

func (s *recordingSink) ApplyOnOff(dev Device, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.onOff[dev.Address] = on
	return nil
}

func (s *recordingSink) ApplyBrightness(dev Device, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.brightness[dev.Address] = percent
	return nil
}

func (s *recordingSink) ApplySecurityField(dev Device, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fields[dev.Address] == nil {
		s.fields[dev.Address] = make(map[string]string)
	}
	s.fields[dev.Address][field] = value
	return nil
}

func (s *recordingSink) BroadcastEvent(eventType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Type: eventType, Payload: payload})
	return nil
}

func (s *recordingSink) OnOff(address string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	on, ok := s.onOff[address]
	return on, ok
}

func (s *recordingSink) Brightness(address string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.brightness[address]
	return p, ok
}

func (s *recordingSink) Field(address, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fields[address][field]
	return v, ok
}

func (s *recordingSink) Events(eventType string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// panickingSink blows up on every state change.
type panickingSink struct{ recordingSink }

func (*panickingSink) ApplyOnOff(Device, bool) error {
	panic("sink exploded")
}

// logEntry is one call to testLogger.
type logEntry struct {
	Level string
	Msg   string
	KV    []any
}

// testLogger records log calls.
type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *testLogger) log(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg, KV: kv})
}

func (l *testLogger) Debug(msg string, kv ...any) { l.log("debug", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.log("info", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.log("warn", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.log("error", msg, kv) }

// Has reports whether a message was logged at level.
func (l *testLogger) Has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

// testTopology is a small network: two dimmer groups and a relay group,
// a dimmer pack, a relay pack, a key switch and two security zones.
func testTopology() *Topology {
	return &Topology{
		Network: "254",
		Groups: map[string]GroupRecord{
			"254/56/4": {Address: "254/56/4", Group: "4", Name: "Kitchen", Kind: KindDimmer},
			"254/56/7": {Address: "254/56/7", Group: "7", Name: "Porch", Kind: KindRelay},
			"254/56/9": {Address: "254/56/9", Group: "9", Name: "Hall", Kind: KindDimmer},
		},
		Units: map[string]UnitRecord{
			"12": {ID: "12", Type: "DIMDN8", Kind: KindDimmer, Groups: []string{"4", "9"}},
			"13": {ID: "13", Type: "RELDN12", Kind: KindRelay, Groups: []string{"7"}},
			"20": {ID: "20", Type: "KEYBL5", Kind: KindSwitch, Groups: []string{"4"}},
		},
		Zones: []GroupRecord{
			{Address: "254/208/1", Group: "1", Name: "Front Door", ZoneIndex: 1},
			{Address: "254/208/2", Group: "2", Name: "Back Door", ZoneIndex: 2},
		},
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
