// Package config loads the settings of the example pipelines from a YAML
// file, applies command line overrides and validates the result.
package config

import (
	"flag"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"starTango/tango"
	"starTango/tile/flood"
	"starTango/xsk"
)

const (
	ModeXDP    = "xdp"
	ModeSocket = "socket"
)

type Redirect struct {
	IP    string `yaml:"ip"`
	Ports string `yaml:"ports"`
}

type Flood struct {
	SrcMAC    string `yaml:"src-mac"`
	DstMAC    string `yaml:"dst-mac"`
	SrcIP     string `yaml:"src-ip"`
	DstIP     string `yaml:"dst-ip"`
	SrcPort   uint16 `yaml:"src-port"`
	DstPort   uint16 `yaml:"dst-port"`
	PayloadSz uint64 `yaml:"payload-size"`
	CrMax     uint64 `yaml:"cr-max"`
	// Frames is the size of the frame buffer the generator writes to.
	Frames uint64 `yaml:"frames"`
}

// CPU pins each worker; -1 leaves it to the scheduler.
type CPU struct {
	Rx    int `yaml:"rx"`
	Tx    int `yaml:"tx"`
	Poll  int `yaml:"poll"`
	Sink  int `yaml:"sink"`
	Flood int `yaml:"flood"`
}

type Config struct {
	Interface string       `yaml:"interface"`
	Queue     int          `yaml:"queue"`
	Mode      string       `yaml:"mode"`
	PollMode  xsk.PollMode `yaml:"poll-mode"`

	Depth           uint64 `yaml:"depth"`
	MTU             uint64 `yaml:"mtu"`
	RxDepth         uint32 `yaml:"rx-depth"`
	FillDepth       uint32 `yaml:"fill-depth"`
	TxDepth         uint32 `yaml:"tx-depth"`
	CompletionDepth uint32 `yaml:"completion-depth"`
	XskBurst        uint32 `yaml:"xsk-burst"`

	BusyPollUsecs  int `yaml:"busy-poll-usecs"`
	BusyPollBudget int `yaml:"busy-poll-budget"`

	// Lazy is the housekeeping interval; 0 derives it from Depth.
	Lazy     time.Duration `yaml:"lazy"`
	Zerocopy bool          `yaml:"zerocopy"`
	HugePage bool          `yaml:"hugepage"`

	Redirect Redirect `yaml:"redirect"`
	Flood    Flood    `yaml:"flood"`
	CPU      CPU      `yaml:"cpu"`
	LogLevel string   `yaml:"log-level"`

	// Parsed by ValidateAndSetDefaults.
	Ports      xsk.PortRange `yaml:"-"`
	RedirectIP net.IP        `yaml:"-"`
	Level      log.Level     `yaml:"-"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Mode:            ModeXDP,
		PollMode:        xsk.PollModeWakeup,
		Depth:           4096,
		MTU:             2048,
		RxDepth:         4096,
		TxDepth:         64,
		CompletionDepth: 64,
		XskBurst:        64,
		BusyPollUsecs:   50,
		BusyPollBudget:  2048,
		Redirect:        Redirect{Ports: "9000"},
		Flood: Flood{
			SrcIP:     "10.0.0.1",
			DstIP:     "10.0.0.2",
			SrcPort:   4000,
			DstPort:   9000,
			PayloadSz: 18,
			Frames:    8192,
		},
		CPU:      CPU{Rx: -1, Tx: -1, Poll: -1, Sink: -1, Flood: -1},
		LogLevel: "info",
	}
}

func pow2(v uint64) bool { return v != 0 && v&(v-1) == 0 }

// ValidateAndSetDefaults fills in derived values and rejects inconsistent
// settings.
func (c *Config) ValidateAndSetDefaults() error {
	if c.Interface == "" {
		return errors.New("interface must be set")
	}
	if c.Queue < 0 {
		return errors.Errorf("bad queue %d", c.Queue)
	}
	if c.Mode != ModeXDP && c.Mode != ModeSocket {
		return errors.Errorf("bad mode %q (want %s or %s)", c.Mode, ModeXDP, ModeSocket)
	}
	if c.Depth < tango.DepthMin || !pow2(c.Depth) {
		return errors.Errorf("depth %d not a power of two >= %d", c.Depth, tango.DepthMin)
	}
	if c.MTU != 2048 && c.MTU != 4096 {
		return errors.Errorf("bad mtu %d (want 2048 or 4096)", c.MTU)
	}

	if c.FillDepth == 0 {
		c.FillDepth = 2 * c.RxDepth
	}
	for _, d := range []struct {
		name string
		v    uint32
	}{
		{"rx-depth", c.RxDepth},
		{"fill-depth", c.FillDepth},
		{"tx-depth", c.TxDepth},
		{"completion-depth", c.CompletionDepth},
	} {
		if !pow2(uint64(d.v)) {
			return errors.Errorf("%s %d not a power of two", d.name, d.v)
		}
	}
	if c.XskBurst == 0 || c.XskBurst > c.FillDepth/2 {
		return errors.Errorf("xsk-burst %d not in [1,%d]", c.XskBurst, c.FillDepth/2)
	}
	if c.PollMode.Busy() && (c.BusyPollUsecs <= 0 || c.BusyPollBudget <= 0) {
		return errors.New("busy polling needs positive busy-poll-usecs and busy-poll-budget")
	}
	if c.Lazy < 0 {
		return errors.Errorf("bad lazy %s", c.Lazy)
	}

	ports, err := xsk.ParsePortRange(c.Redirect.Ports)
	if err != nil {
		return errors.Wrap(err, "redirect.ports")
	}
	c.Ports = ports
	c.RedirectIP = nil
	if c.Redirect.IP != "" {
		ip := net.ParseIP(c.Redirect.IP).To4()
		if ip == nil {
			return errors.Errorf("redirect.ip %q is not IPv4", c.Redirect.IP)
		}
		c.RedirectIP = ip
	}

	for name, v := range map[string]int{
		"cpu.rx": c.CPU.Rx, "cpu.tx": c.CPU.Tx, "cpu.poll": c.CPU.Poll,
		"cpu.sink": c.CPU.Sink, "cpu.flood": c.CPU.Flood,
	} {
		if v < -1 {
			return errors.Errorf("bad %s %d", name, v)
		}
	}

	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log-level")
	}
	c.Level = lvl
	return nil
}

// SocketOptions returns the socket settings for an rx/tx socket on the
// configured queue.
func (c *Config) SocketOptions() xsk.SocketOptions {
	o := xsk.SocketOptions{
		FrameSize:             int(c.MTU),
		NumFillRingDesc:       int(c.FillDepth),
		NumCompletionRingDesc: int(c.CompletionDepth),
		NumRxRingDesc:         int(c.RxDepth),
		NumTxRingDesc:         int(c.TxDepth),
		PollMode:              c.PollMode,
		BusyPollUsecs:         c.BusyPollUsecs,
		BusyPollBudget:        c.BusyPollBudget,
	}
	if c.Zerocopy {
		o.BindFlags |= unix.XDP_ZEROCOPY
	} else {
		o.BindFlags |= unix.XDP_COPY
	}
	return o
}

// FloodHeader parses the generator addressing. A missing source MAC is
// taken from src, the interface the frames leave on.
func (c *Config) FloodHeader(src net.HardwareAddr) (flood.Header, error) {
	f := &c.Flood
	h := flood.Header{SrcMAC: src, SrcPort: f.SrcPort, DstPort: f.DstPort}
	var err error
	if f.SrcMAC != "" {
		if h.SrcMAC, err = net.ParseMAC(f.SrcMAC); err != nil {
			return h, errors.Wrap(err, "flood.src-mac")
		}
	}
	if h.DstMAC, err = net.ParseMAC(f.DstMAC); err != nil {
		return h, errors.Wrap(err, "flood.dst-mac")
	}
	if h.SrcIP = net.ParseIP(f.SrcIP).To4(); h.SrcIP == nil {
		return h, errors.Errorf("flood.src-ip %q is not IPv4", f.SrcIP)
	}
	if h.DstIP = net.ParseIP(f.DstIP).To4(); h.DstIP == nil {
		return h, errors.Errorf("flood.dst-ip %q is not IPv4", f.DstIP)
	}
	return h, nil
}

// Load reads path over the defaults. An empty path yields the defaults.
// The result is not validated.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return c, nil
}

// Dump writes c as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return enc.Close()
}

// Flags are the command line overrides of a Config.
type Flags struct {
	fs   *flag.FlagSet
	path string

	iface    string
	queue    int
	mode     string
	pollMode string
	zerocopy bool
	depth    uint64
	burst    uint
	ports    string
	ip       string
	dstMAC   string
	dstIP    string
	logLevel string
}

// NewFlags registers the overrides on fs.
func NewFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.path, "config", "", "path to config YAML file")
	fs.StringVar(&f.iface, "i", "", "interface")
	fs.IntVar(&f.queue, "q", 0, "queue id")
	fs.StringVar(&f.mode, "mode", "", "xdp or socket")
	fs.StringVar(&f.pollMode, "poll", "", "poll mode: none, wakeup, busy or busy-ext")
	fs.BoolVar(&f.zerocopy, "z", false, "zerocopy")
	fs.Uint64Var(&f.depth, "depth", 0, "fragment ring depth")
	fs.UintVar(&f.burst, "burst", 0, "xsk burst")
	fs.StringVar(&f.ports, "ports", "", "redirected udp ports, lo or lo-hi")
	fs.StringVar(&f.ip, "ip", "", "redirected destination ip")
	fs.StringVar(&f.dstMAC, "d", "", "flood destination mac")
	fs.StringVar(&f.dstIP, "D", "", "flood destination ip")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	return f
}

// Load reads the config file named by -config, applies the flags given on
// the command line and validates the result. fs must have been parsed.
func (f *Flags) Load() (*Config, error) {
	c, err := Load(f.path)
	if err != nil {
		return nil, err
	}
	var ferr error
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "i":
			c.Interface = f.iface
		case "q":
			c.Queue = f.queue
		case "mode":
			c.Mode = f.mode
		case "poll":
			if err := c.PollMode.UnmarshalText([]byte(f.pollMode)); err != nil {
				ferr = err
			}
		case "z":
			c.Zerocopy = f.zerocopy
		case "depth":
			c.Depth = f.depth
		case "burst":
			c.XskBurst = uint32(f.burst)
		case "ports":
			c.Redirect.Ports = f.ports
		case "ip":
			c.Redirect.IP = f.ip
		case "d":
			c.Flood.DstMAC = f.dstMAC
		case "D":
			c.Flood.DstIP = f.dstIP
		case "log-level":
			c.LogLevel = f.logLevel
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}
