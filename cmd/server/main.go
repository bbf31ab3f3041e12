package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"sehlabs.com/stm/internal/register"
	"sehlabs.com/stm/internal/stm"
)

func fatalf(code int, format string, a ...interface{}) {
	w := os.Stderr
	if _, err := fmt.Fprintf(w, format, a...); err == nil {
		fmt.Fprintln(w)
	}
	os.Exit(code)
}

var (
	serverAddress      net.IP
	serverPort         string
	tlsCertificateFile string
	tlsPrivateKeyFile  string
	reclaimEveryN      uint64
	openingBalance     int64
)

func init() {
	flag.IPVar(&serverAddress, "server-address", nil,
		`IP address on which to serve HTTP requests`)
	flag.StringVar(&serverPort, "server-port", "",
		`Port on which to serve HTTP requests`)
	flag.StringVar(&tlsCertificateFile, "tls-cert-file", "",
		`File containing the X.509 certificates with which to serve HTTPS,
containing certificates for this server, any intermediate CAs, and the CA`)
	flag.StringVar(&tlsPrivateKeyFile, "tls-private-key-file", "",
		`File containing the X.509 private key for the first X.509 certificate
in --tls-cert-file`)
	flag.Uint64Var(&reclaimEveryN, "reclaim-every-n", 64,
		`Number of full (non-fast-path) commits between garbage-collection sweeps of
superseded cell versions`)
	flag.Int64Var(&openingBalance, "opening-balance", 1000,
		`Opening balance given to each demonstration account when it is first referenced`)
}

type tlsConfig struct {
	certificateFilePath string
	privateKeyFilePath  string
}

func joinIPAddressAndPort(address net.IP, port string) string {
	var host string
	var empty net.IP
	if !address.Equal(empty) {
		host = address.String()
	}
	return net.JoinHostPort(host, port)
}

func runHTTPServer(address net.IP, port string, tlsConf *tlsConfig, handler http.Handler, stop <-chan struct{}) error {
	server := &http.Server{
		Addr:    joinIPAddressAndPort(address, port),
		Handler: handler,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-stop
		// Don't bother imposing a timeout here.
		if err := server.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to shut down HTTP server: %v\n", err)
		}
	}()
	var err error
	if tlsConf != nil {
		err = server.ListenAndServeTLS(tlsConf.certificateFilePath, tlsConf.privateKeyFilePath)
	} else {
		err = server.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		fatalf(1, "Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var serverTLSConfig *tlsConfig
	if len(tlsCertificateFile) > 0 {
		if len(tlsPrivateKeyFile) == 0 {
			fatalf(2, "--tls-private-key-file must be nonempty when --tls-cert-file is specified")
		}
		serverTLSConfig = &tlsConfig{
			certificateFilePath: tlsCertificateFile,
			privateKeyFilePath:  tlsPrivateKeyFile,
		}
	} else if len(tlsPrivateKeyFile) > 0 {
		fatalf(2, "--tls-cert-file must be nonempty when --tls-private-key-file is specified")
	}

	if len(serverPort) == 0 {
		if serverTLSConfig != nil {
			serverPort = "443"
		} else {
			serverPort = "80"
		}
	}

	registerer := prometheus.NewRegistry()
	rt, err := stm.NewRuntime(
		stm.WithLogger(logger),
		stm.WithMetricsRegisterer(registerer),
		stm.WithReclaimEveryN(reclaimEveryN),
	)
	if err != nil {
		fatalf(1, "Failed to create transactional runtime: %v", err)
	}

	ledger := register.NewLedger()
	accounts := newAccountSet(openingBalance)

	handler := makeHandler(rt, ledger, accounts, registerer, logger)
	logger.Info("starting server",
		zap.String("address", joinIPAddressAndPort(serverAddress, serverPort)),
		zap.Uint64("reclaim_every_n", reclaimEveryN),
	)
	if err := runHTTPServer(serverAddress, serverPort, serverTLSConfig, handler, ctx.Done()); err != nil {
		fatalf(1, "HTTP server failed: %v", err)
	}
}

func newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return gin.New()
}
