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
	"starTango/tile/flood"
	"starTango/tile/xskpoll"
	"starTango/tile/xsktx"
	"starTango/worker"
	"starTango/xsk"
)

const (
	typeFlood = iota + 1
	typeTx
	typePoll
)

func main() {
	flags := config.NewFlags(flag.CommandLine)
	pprofListen := flag.String("listen", "", "pprof http server address, such as '0.0.0.0:80'")
	flag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
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

	hdr, err := cfg.FloodHeader(link.Attrs().HardwareAddr)
	if err != nil {
		return err
	}

	// generator output, read by the tx worker
	genFrames, err := tango.NewFrameBuffer(cfg.MTU, cfg.Flood.Frames, cfg.HugePage)
	if err != nil {
		return err
	}
	defer genFrames.Close()
	ring, err := tango.NewRing(cfg.Depth, 0)
	if err != nil {
		return err
	}

	// the socket's own UMEM only holds frames being transmitted
	txCnt := uint64(min(cfg.TxDepth, cfg.CompletionDepth))
	txFrames, err := tango.NewFrameBuffer(cfg.MTU, txCnt, cfg.HugePage)
	if err != nil {
		return err
	}
	defer txFrames.Close()

	opts := cfg.SocketOptions()
	sock, err := xsk.NewSocket(ifindex, cfg.Queue, txFrames.Umem(), &opts)
	if err != nil {
		return err
	}
	defer sock.Close()
	rings := sock.Rings()

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
	floodCtx, err := newCtx(typeFlood, "flood", cfg.CPU.Flood)
	if err != nil {
		return err
	}
	txCtx, err := newCtx(typeTx, "xsktx", cfg.CPU.Tx)
	if err != nil {
		return err
	}
	sources := []monitor.Source{
		{Name: "flood", Cnc: floodCtx.Cnc, Ring: ring},
		{Name: "tx", Cnc: txCtx.Cnc},
	}

	txSeq := tango.NewFseq(0)
	var g worker.Group
	g.Go(floodCtx, flood.New(flood.Config{
		Header:    hdr,
		PayloadSz: cfg.Flood.PayloadSz,
		Ring:      ring,
		Frames:    genFrames,
		Consumers: []*tango.Fseq{txSeq},
		CrMax:     cfg.Flood.CrMax,
	}))
	g.Go(txCtx, xsktx.New(xsktx.Config{
		MTU:        cfg.MTU,
		Burst:      min(cfg.XskBurst, uint32(txCnt)),
		PollMode:   cfg.PollMode,
		In:         ring,
		InFrames:   genFrames,
		Fseq:       txSeq,
		Frames:     txFrames,
		FrameCnt:   txCnt,
		Tx:         rings.Tx,
		Completion: rings.Completion,
		Waker:      sock,
	}))
	if cfg.PollMode == xsk.PollModeBusyExt {
		pollCtx, err := newCtx(typePoll, "xskpoll", cfg.CPU.Poll)
		if err != nil {
			return err
		}
		g.Go(pollCtx, xskpoll.New(sock))
		sources = append(sources, monitor.Source{Name: "poll", Cnc: pollCtx.Cnc})
	}
	l.Infof("flooding %s:%d -> %s:%d (%s)", hdr.SrcIP, hdr.SrcPort, hdr.DstIP, hdr.DstPort, hdr.DstMAC)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	go monitor.New(os.Stdout, timer.Now, sources...).Run(ctx, time.Second)

	var failed error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case failed = <-g.Failed():
		l.Errorf("worker failed: %v", failed)
	}

	// producer first
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Halt(hctx); err != nil && failed == nil {
		failed = err
	}
	return failed
}
