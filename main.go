package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/dmisol/loopback-call/pkg/media"
	"github.com/dmisol/loopback-call/pkg/rtc"
	"github.com/dmisol/loopback-call/pkg/store"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

func main() {
	var confName string

	root := &cobra.Command{
		Use:          "loopback-call",
		Short:        "Peer connection negotiation and frame relay demo",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&confName, "conf", "c", "conf.yaml", "config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the start/call/hangup control page",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, api, err := setup(confName)
			if err != nil {
				return err
			}
			return serveHTTP(c, api)
		},
	}

	var duration time.Duration
	demo := &cobra.Command{
		Use:   "demo",
		Short: "Run one call headless: start, call, wait, hangup",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, api, err := setup(confName)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), c, api, duration)
		},
	}
	demo.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long the call lasts")

	root.AddCommand(serve, demo)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup(confName string) (c *defs.Conf, api *webrtc.API, err error) {
	c, err = defs.ReadConf(confName)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return
		}
		c = &defs.Conf{}
		c.Defaults()
		err = nil
	}
	defs.SetupLogging(c.LogConf)
	log.Info().Str("conf", confName).Msg("configured")

	api, err = rtc.NewAPI(defs.LoggerFactory{Logger: log.Logger})
	return
}

func newSessionFactory(c *defs.Conf, api *webrtc.API) rtc.SessionFactory {
	ledger := &media.Ledger{}
	capturer := media.NewTestPattern(ledger, nil, media.DefaultDevice)

	return func(notify func(*defs.WsPload)) *rtc.Session {
		return rtc.NewSession(c, rtc.Deps{
			Capturer:  capturer,
			Transport: rtc.PionFactory(api, c.RtcConf),
			Sinks:     rtc.Recorders(c.Folder),
			Ledger:    ledger,
			Notify:    notify,
		})
	}
}

func serveHTTP(c *defs.Conf, api *webrtc.API) error {
	room := rtc.NewRoom(newSessionFactory(c, api))
	files, err := store.NewFileStore(c)
	if err != nil {
		return err
	}
	sh := fasthttp.FSHandler(c.Static, 0)

	srv := fasthttp.Server{
		Handler: func(r *fasthttp.RequestCtx) {
			switch string(r.Path()) {
			case "/ws":
				room.Handler(r)
			case "/preview":
				room.Preview(r)
			case "/rec":
				files.Handler(r)
			default:
				sh(r)
			}
		},
	}

	if len(c.Hosts) == 0 {
		log.Info().Str("port", c.Port).Msg("starting server")
		return srv.ListenAndServe(net.JoinHostPort("", c.Port))
	}

	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(c.Hosts...),
		Cache:      autocert.DirCache("/tmp/certs"),
	}

	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos: []string{
			"http/1.1", acme.ALPNProto,
		},
	}

	// Let's Encrypt tls-alpn-01 only works on port 443.
	ln, err := net.Listen("tcp4", "0.0.0.0:443") /* #nosec G102 */
	if err != nil {
		return err
	}

	log.Info().Strs("hosts", c.Hosts).Msg("starting tls server")
	return srv.Serve(tls.NewListener(ln, cfg))
}

func runDemo(ctx context.Context, c *defs.Conf, api *webrtc.API, d time.Duration) (err error) {
	s := newSessionFactory(c, api)(func(pl *defs.WsPload) {
		log.Debug().Str("action", pl.Action).Bytes("data", pl.Data).Msg("notice")
	})
	defer s.Hangup()

	if err = s.Start(ctx); err != nil {
		return
	}
	if err = s.Call(ctx); err != nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err = s.Coordinator().WaitStable(wctx); err != nil {
		return
	}
	<-wctx.Done()

	st := s.Preview().Renders()
	log.Info().Int64("previewed", st).Msg("hanging up")
	return
}
