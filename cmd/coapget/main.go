// coapget performs a single CoAP GET against a UDP endpoint and prints the
// response payload.
//
// Usage:
//
//	coapget -addr 198.51.100.1:5683 -path rd/1234 [-config engine.ini] [-v]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/coap/stream"
	"github.com/openlw/golwm2m/pkg/config"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5683", "remote CoAP endpoint")
	path := flag.String("path", "", "Uri-Path, slash separated")
	configPath := flag.String("config", "", "optional INI configuration file")
	profile := flag.String("profile", "udp", "transmission parameter profile (udp or sms) read from the -config file")
	verbose := flag.Bool("v", false, "enable trace logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.TraceLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath, *profile); err != nil {
			log.Fatal(err)
		}
	}

	sock, err := coap.DialUDP(*addr)
	if err != nil {
		log.Fatal(err)
	}

	wrapped := coap.NewSocket(sock, cfg.MsgCacheSize, nil)
	if err := wrapped.SetTxParams(cfg.TxParams); err != nil {
		log.Fatal(err)
	}

	s := stream.NewStream(wrapped, cfg.InBufferSize, cfg.OutBufferSize)
	defer s.Close()

	details := &coap.MsgDetails{
		Type:   coap.TypeConfirmable,
		Code:   coap.CodeGet,
		Format: coap.FormatNone,
	}
	if *path != "" {
		details.UriPath = strings.Split(*path, "/")
	}

	if err := s.SetupRequest(details, nil); err != nil {
		log.Fatal(err)
	}
	if err := s.FinishMessage(); err != nil {
		log.Fatal(err)
	}

	buf := make([]byte, 1024)
	for {
		n, finished, err := s.Read(buf)
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(buf[:n])
		if finished {
			break
		}
	}
	fmt.Println()
}
