// Command capsim boots a simulated kernel and runs a small demo workload: an
// echo server listening on the manager endpoint, a client exchanging messages
// with it and a timer driver fed by a simulated interrupt line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capos/kernel/config"
	"capos/kernel/ipc"
	"capos/kernel/klog"
	"capos/kernel/kmain"
	"capos/kernel/proc"

	"go.uber.org/zap"
)

const (
	timerIRQ   = 1
	timerEvent = 0x10
	opEcho     = 1
	opStop     = 2
)

func main() {
	configPath := flag.String("config", "", "Configuration file (.yaml, .yml or .toml)")
	messages := flag.Int("messages", 4, "Number of messages sent by the client")
	ticks := flag.Int("ticks", 3, "Number of timer interrupts to wait for")
	period := flag.Duration("period", 50*time.Millisecond, "Timer interrupt period")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := klog.New(klog.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	k, err := kmain.Boot(cfg, logger)
	if err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &workload{log: k.Logger().Named("demo"), messages: *messages, ticks: *ticks, done: cancel}
	if err = w.start(k); err != nil {
		logger.Fatal("failed to start workload", zap.Error(err))
	}

	timer := time.NewTicker(*period)
	defer timer.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				_ = k.Raise(timerIRQ)
			}
		}
	}()

	if err = k.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("kernel loop failed", zap.Error(err))
	}

	if samples, err := k.Metrics().Snapshot(); err == nil {
		for _, s := range samples {
			logger.Info("metric", zap.String("name", s.Name), zap.Any("labels", s.Labels), zap.Float64("value", s.Value))
		}
	}

	if err = k.Shutdown(); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// workload holds the demo programs.
type workload struct {
	log      *klog.Logger
	messages int
	ticks    int
	done     context.CancelFunc

	finished int
}

const (
	bufAddr   = kmain.HeapBase
	replyAddr = kmain.HeapBase + 0x400
	bufSize   = 0x100
)

func (w *workload) start(k *kmain.Kernel) error {
	specs := []kmain.SpawnSpec{
		{Name: "echo", Program: w.echo},
		{Name: "client", Program: w.client},
		{Name: "timer", Program: w.timer},
	}

	for _, spec := range specs {
		if _, _, err := k.Spawn(spec); err != nil {
			return err
		}
	}
	return nil
}

// echo answers every message on the manager endpoint with the reversed
// payload.
func (w *workload) echo(u *kmain.User) {
	hdr := ipc.Header{Segments: []ipc.Segment{{Addr: bufAddr, Len: bufSize}}}

	for {
		token, n, err := u.Receive(proc.ManagerHandle, hdr)
		if err != nil {
			w.log.Error("receive failed", zap.Error(err))
			return
		}

		info, err := u.Info(token)
		if err != nil {
			w.log.Error("info failed", zap.Error(err))
			return
		}

		buf := make([]byte, n)
		_, _ = u.Load(bufAddr, buf)
		switch {
		case len(buf) == 0:
			_ = u.Reply(token, -1, ipc.Header{})
			continue
		case len(buf) == 1 && buf[0] == opStop:
			_ = u.Reply(token, 0, ipc.Header{})
			w.log.Info("echo server stopping")
			w.finish()
			return
		}

		for i, j := 1, len(buf)-1; i < j; i, j = i+1, j-1 {
			buf[i], buf[j] = buf[j], buf[i]
		}
		_, _ = u.Store(bufAddr, buf)

		w.log.Debug("echo", zap.Uint32("sender", info.SenderPID), zap.Int("len", len(buf)))
		reply := ipc.Header{Segments: []ipc.Segment{{Addr: bufAddr + 1, Len: uintptr(len(buf) - 1)}}}
		if err = u.Reply(token, int32(len(buf)-1), reply); err != nil {
			w.log.Error("reply failed", zap.Error(err))
		}
	}
}

func (w *workload) client(u *kmain.User) {
	for i := 0; i < w.messages; i++ {
		payload := append([]byte{opEcho}, fmt.Sprintf("message %d", i)...)
		_, _ = u.Store(bufAddr, payload)

		send := ipc.Header{Segments: []ipc.Segment{{Addr: bufAddr, Len: uintptr(len(payload))}}}
		reply := ipc.Header{Segments: []ipc.Segment{{Addr: replyAddr, Len: bufSize}}}
		ret, err := u.Send(proc.ManagerHandle, send, reply)
		if err != nil {
			w.log.Error("send failed", zap.Error(err))
			return
		}

		buf := make([]byte, ret)
		_, _ = u.Load(replyAddr, buf)
		w.log.Info("reply received", zap.Int("seq", i), zap.ByteString("payload", buf))
	}

	_, _ = u.Store(bufAddr, []byte{opStop})
	_, _ = u.Send(proc.ManagerHandle, ipc.Header{Segments: []ipc.Segment{{Addr: bufAddr, Len: 1}}}, ipc.Header{})
}

// timer counts interrupts delivered as events.
func (w *workload) timer(u *kmain.User) {
	h, err := u.CreateObject(timerIRQ)
	if err == nil {
		err = u.Subscribe(timerIRQ, h, timerEvent)
	}
	if err != nil {
		w.log.Error("timer setup failed", zap.Error(err))
		return
	}

	hdr := ipc.Header{Segments: []ipc.Segment{{Addr: bufAddr, Len: ipc.EventSize}}}
	for tick := 1; tick <= w.ticks; tick++ {
		if _, _, err = u.Receive(h, hdr); err != nil {
			w.log.Error("timer receive failed", zap.Error(err))
			return
		}

		irq, _ := u.LoadWord(bufAddr + 4)
		w.log.Info("timer tick", zap.Int("tick", tick), zap.Uint32("irq", irq))
		_ = u.Acknowledge(timerIRQ)
	}

	_ = u.Unsubscribe(timerIRQ)
	w.finish()
}

// finish stops the kernel once the echo server and the timer are done.
func (w *workload) finish() {
	w.finished++
	if w.finished == 2 {
		w.done()
	}
}
