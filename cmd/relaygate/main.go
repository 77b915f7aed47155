package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/logging"
	"relaygate/internal/pipeline"
	"relaygate/internal/policy"
	"relaygate/internal/policy/jwt"
	"relaygate/internal/store"
	"relaygate/internal/upstream"
)

var appVersion = "dev"

func main() {
	var (
		showVersion  bool
		logLevel     string
		configPath   string
		drainTimeout time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&logLevel, "log-level", "warning", "log level: debug, info, warning, error")
	flag.StringVar(&configPath, "config", "", "path to the gateway config file")
	flag.DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "graceful drain timeout on shutdown")
	flag.Parse()

	if showVersion {
		fmt.Printf("relaygate %s\n", appVersion)
		os.Exit(0)
	}

	logging.Configure(logLevel)

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "relaygate: -config is required")
		os.Exit(1)
	}

	if err := run(configPath, drainTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "relaygate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, drainTimeout time.Duration) error {
	snap, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st := store.New()
	st.Swap(snap)

	jwks := jwt.NewJWKSCache(10 * time.Minute)
	engine := policy.New(jwks.KeyFunc)
	up := upstream.New()

	servers := startBinds(st, engine, up)
	if len(servers) == 0 {
		return fmt.Errorf("config defines no binds")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	drain(ctx, servers)
	return nil
}

// boundServer is either an HTTP listener or a raw TCP accept loop for one
// Bind, closed together on drain.
type boundServer struct {
	http *http.Server
	tcp  net.Listener
}

func startBinds(st *store.Store, engine *policy.Engine, up *upstream.Client) []boundServer {
	snap := st.Load()
	var servers []boundServer

	for name, bind := range snap.Binds {
		addr := ":" + strconv.Itoa(bind.Port)

		if tcpOnly(bind) {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "relaygate: bind %q: %v\n", name, err)
				continue
			}
			proxy := pipeline.NewTCPProxy(st.Load, name)
			go proxy.Serve(context.Background(), ln)
			servers = append(servers, boundServer{tcp: ln})
			continue
		}

		handler := pipeline.NewHandler(st.Load, name, engine, up)
		srv := &http.Server{Addr: addr, Handler: handler}

		cert, key, ok := firstTLSCert(bind)
		if ok {
			tlsCert, err := tls.X509KeyPair([]byte(cert), []byte(key))
			if err != nil {
				fmt.Fprintf(os.Stderr, "relaygate: bind %q: tls config: %v\n", name, err)
				continue
			}
			srv.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{tlsCert},
				NextProtos:   []string{"h2", "http/1.1"},
			}
			go func(s *http.Server) {
				if err := s.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "relaygate: %v\n", err)
				}
			}(srv)
		} else {
			go func(s *http.Server) {
				if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "relaygate: %v\n", err)
				}
			}(srv)
		}
		servers = append(servers, boundServer{http: srv})
	}
	return servers
}

// tcpOnly reports whether every listener on a bind is a TCP or TLS(L4)
// listener with no HTTP routes, in which case the bind is served as a raw
// proxy loop instead of an http.Server.
func tcpOnly(b *store.Bind) bool {
	found := false
	for _, l := range b.Listeners {
		if l.Protocol != store.ProtocolTCP && l.Protocol != store.ProtocolTLS {
			return false
		}
		if len(l.Routes) > 0 {
			return false
		}
		found = true
	}
	return found
}

func firstTLSCert(b *store.Bind) (cert, key string, ok bool) {
	for _, l := range b.Listeners {
		if l.Protocol == store.ProtocolHTTPS && l.TLSCert != "" {
			return l.TLSCert, l.TLSKey, true
		}
	}
	return "", "", false
}

// drain shuts every bound server down gracefully, per spec.md §5/§6: a
// drain signal stops accepting new work but lets in-flight requests
// complete within ctx's deadline.
func drain(ctx context.Context, servers []boundServer) {
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s boundServer) {
			defer wg.Done()
			if s.http != nil {
				s.http.Shutdown(ctx)
			}
			if s.tcp != nil {
				s.tcp.Close()
			}
		}(s)
	}
	wg.Wait()
}
