package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"starTango/cnc"
	"starTango/config"
	"starTango/pkg/monitor"
	"starTango/pkg/timer"
	"starTango/tango"
	"starTango/tile/sink"
	"starTango/tile/xskpoll"
	"starTango/tile/xskrx"
	"starTango/worker"
	"starTango/xsk"
)

// worker types, reported in the monitor
const (
	typeRx = iota + 1
	typeSink
	typePoll
)

func main() {
	flags := config.NewFlags(flag.CommandLine)
	pprofListen := flag.String("listen", "", "pprof http server address, such as '0.0.0.0:80'")
	dump := flag.Bool("dump", false, "print the effective config and exit")
	flag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dump {
		if err := cfg.Dump(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}
	log.SetOutput(os.Stdout)
	log.SetLevel(cfg.Level)
	if cfg.Mode != config.ModeXDP {
		log.Fatalf("mode %s is not supported by this pipeline", cfg.Mode)
	}

	if *pprofListen != "" {
		go http.ListenAndServe(*pprofListen, nil)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return errors.Wrap(err, "remove memlock")
	}

	link, err := netlink.LinkByName(cfg.Interface)
	if err != nil {
		return errors.Wrapf(err, "link %s", cfg.Interface)
	}
	ifindex := link.Attrs().Index
	l := log.WithFields(log.Fields{"iface": cfg.Interface, "queue": cfg.Queue})

	// the ring window and the fill ring each own a full set of frames
	frames, err := tango.NewFrameBuffer(cfg.MTU, cfg.Depth+uint64(cfg.FillDepth), cfg.HugePage)
	if err != nil {
		return err
	}
	defer frames.Close()

	program, err := xsk.NewProgram(cfg.Queue+1, cfg.RedirectIP, cfg.Ports)
	if err != nil {
		return err
	}
	defer program.Close()
	if err := program.Attach(ifindex); err != nil {
		return err
	}
	defer program.Detach()

	opts := cfg.SocketOptions()
	sock, err := xsk.NewSocket(ifindex, cfg.Queue, frames.Umem(), &opts)
	if err != nil {
		return err
	}
	defer sock.Close()
	if err := program.Register(cfg.Queue, sock.FD()); err != nil {
		return err
	}
	defer program.Unregister(cfg.Queue)
	l.Infof("redirecting udp %s to queue %d", program.Ports(), cfg.Queue)

	ring, err := tango.NewRing(cfg.Depth, 0)
	if err != nil {
		return err
	}
	lazy := cfg.Lazy
	if lazy == 0 {
		lazy = timer.LazyDefault(cfg.Depth)
	}

	newCtx := func(typ uint64, name string, cpu int) (*worker.Context, error) {
		c, err := cnc.New(typ, cnc.DiagCnt, timer.Now())
		if err != nil {
			return nil, err
		}
		ctx := worker.NewContext(c, name, uint64(time.Now().UnixNano()), lazy)
		ctx.CPU = cpu
		return ctx, nil
	}

	rings := sock.Rings()
	rxCtx, err := newCtx(typeRx, "xskrx", cfg.CPU.Rx)
	if err != nil {
		return err
	}
	sinkCtx, err := newCtx(typeSink, "sink", cfg.CPU.Sink)
	if err != nil {
		return err
	}
	sources := []monitor.Source{
		{Name: "rx", Cnc: rxCtx.Cnc, Ring: ring},
		{Name: "sink", Cnc: sinkCtx.Cnc},
	}

	var g worker.Group
	g.Go(rxCtx, xskrx.New(xskrx.Config{
		MTU:      cfg.MTU,
		XskBurst: cfg.XskBurst,
		PollMode: cfg.PollMode,
		Ring:     ring,
		Frames:   frames,
		Fill:     rings.Fill,
		Rx:       rings.Rx,
		Waker:    sock,
	}))
	if cfg.PollMode == xsk.PollModeBusyExt {
		pollCtx, err := newCtx(typePoll, "xskpoll", cfg.CPU.Poll)
		if err != nil {
			return err
		}
		g.Go(pollCtx, xskpoll.New(sock))
		sources = append(sources, monitor.Source{Name: "poll", Cnc: pollCtx.Cnc})
	}
	g.Go(sinkCtx, sink.New(sink.Config{
		In:     ring,
		Frames: frames,
		MTU:    cfg.MTU,
		Fseq:   tango.NewFseq(0),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	mon := monitor.New(os.Stdout, timer.Now, sources...)
	go mon.Run(ctx, time.Second)

	var failed error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case failed = <-g.Failed():
		l.Errorf("worker failed: %v", failed)
	}

	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Halt(hctx); err != nil && failed == nil {
		failed = err
	}
	return failed
}
