package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/ardnew/moondancer/device"
	"github.com/ardnew/moondancer/device/hal/eptri"
	"github.com/ardnew/moondancer/device/hal/fifo"
	"github.com/ardnew/moondancer/gcp"
	"github.com/ardnew/moondancer/pkg"
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logLevel, err := pkg.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(viper.GetString("log-format"))
	if err != nil {
		return err
	}
	sink := pkg.NewFormatLogger(os.Stdout, format)
	sink = log.With(sink, "ts", log.DefaultTimestampUTC)
	pkg.SetLogLevel(logLevel)
	// Skip the pkg helpers and the level filter in front of the sink.
	pkg.SetLogger(log.With(sink, "caller", log.Caller(7)))

	descriptors, err := getDescriptors(viper.GetViper())
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pkg.NewMetrics(r)

	hw := eptri.New()
	opts := stackOptions(viper.GetViper())
	opts.Descriptors = descriptors
	opts.Metrics = metrics
	stack, err := device.NewStack(hw, hw, opts)
	if err != nil {
		return errors.Wrap(err, "failed to create device stack")
	}

	if viper.GetBool("connect") {
		speed, err := parseSpeed(viper.GetString("speed"))
		if err != nil {
			return err
		}
		if err := stack.Connect(viper.GetUint16("max-packet-size0"), speed); err != nil {
			return errors.Wrap(err, "failed to connect")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		if viper.GetBool("pprof") {
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", listen)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				return errors.Wrap(err, "server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case <-term:
				pkg.LogInfo(pkg.ComponentStack, "caught interrupt; disconnecting")
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancel()
		})
	}

	{
		// Interrupt line: translate pending sources as soon as they are raised.
		g.Add(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hw.IRQ():
					for stack.ServiceInterrupt() {
					}
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		// Main loop.
		g.Add(func() error {
			pkg.LogInfo(pkg.ComponentStack, "starting the device stack", "descriptors", descriptors != nil)
			if err := stack.Run(ctx); ctx.Err() == nil {
				return err
			}
			return nil
		}, func(error) {
			cancel()
		})
	}

	{
		// Host tool verbs.
		listen := viper.GetString("rpc-listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", listen)
		}
		server := gcp.NewServer(gcp.NewDispatcher(stack, metrics))
		g.Add(func() error {
			pkg.LogInfo(pkg.ComponentRPC, "serving verbs", "listen", l.Addr().String())
			return server.Serve(ctx, l)
		}, func(error) {
			cancel()
		})
	}

	bridge := fifo.NewBridge(hw)
	if listen := viper.GetString("bus-listen"); listen != "" {
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", listen)
		}
		g.Add(func() error {
			pkg.LogInfo(pkg.ComponentHAL, "accepting bus connections", "listen", l.Addr().String())
			return bridge.Serve(ctx, l)
		}, func(error) {
			cancel()
		})
	}

	if dir := viper.GetString("bus-dir"); dir != "" {
		pipes, err := fifo.OpenPipes(dir)
		if err != nil {
			return errors.Wrapf(err, "failed to create bus pipes in %s", dir)
		}
		g.Add(func() error {
			pkg.LogInfo(pkg.ComponentHAL, "serving bus pipes", "dir", dir)
			if err := bridge.ServeConn(ctx, pipes); ctx.Err() == nil {
				return err
			}
			return nil
		}, func(error) {
			cancel()
			_ = pipes.Close()
		})
	}

	err = g.Run()
	stack.Disconnect()
	return err
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
