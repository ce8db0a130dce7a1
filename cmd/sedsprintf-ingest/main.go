// Command sedsprintf-ingest reads telemetry packets from the flight
// computer's serial link and persists them to SQLite, with optional
// JSONL/text/MQTT mirrors and a websocket live stream. The viewer is a
// separate process that only reads the database.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/livestream"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/mqttclient"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/pipeline"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/serialsource"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/sink"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/storage"
)

const telemetryPrefix = "on_radio_packet:"

func main() {
	port := flag.String("port", "/dev/tty.usbmodem207435A554301", "serial port the flight computer is attached to")
	baud := flag.Int("baud", 115200, "serial baud rate")
	reconnectDelay := flag.Duration("reconnect-delay", time.Second, "delay between serial reconnect attempts")
	prefix := flag.String("prefix", telemetryPrefix, "only decode lines with this prefix (empty disables the filter)")

	dbPath := flag.String("db", "telemetry.db", "SQLite database file")
	noDB := flag.Bool("no-db", false, "disable database persistence")
	outJSONL := flag.String("out-jsonl", "", "mirror each packet to this JSONL file")
	fileFlag := flag.String("file-flag", "", "optional flag field added to every JSONL/MQTT record")
	outTxt := flag.String("out-txt", "", "mirror each packet to this human-readable text file")

	broker := flag.String("mqtt-broker", "", "mirror packets to this MQTT broker, e.g. tcp://localhost:1883")
	topicPrefix := flag.String("mqtt-topic", "telemetry/packets", "MQTT topic prefix for mirrored packets")

	listen := flag.String("listen", "", "serve websocket live stream and /stats on this address, e.g. :8080")
	verbose := flag.Bool("v", false, "debug logging (includes every rejected line)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sinks []sink.Sink

	// Persistence first so mirrors never lead the store.
	if !*noDB {
		store, err := storage.Open(storage.Config{Path: *dbPath}, log)
		if err != nil {
			log.WithError(err).Fatal("failed to open packet store")
		}
		defer store.Close()
		sinks = append(sinks, sink.NewStore(store, 0, log))
		defer logStoreStats(store, log)
	}

	if *outJSONL != "" {
		jsonl := sink.NewJSONL(*outJSONL, *fileFlag)
		defer jsonl.Close()
		sinks = append(sinks, jsonl)
		log.WithField("path", *outJSONL).Info("jsonl mirror enabled")
	}

	if *outTxt != "" {
		text := sink.NewText(*outTxt)
		defer text.Close()
		sinks = append(sinks, text)
		log.WithField("path", *outTxt).Info("text mirror enabled")
	}

	if *broker != "" {
		client, err := mqttclient.New(mqttclient.Options{BrokerURL: *broker})
		if err != nil {
			log.WithError(err).Fatal("failed to connect to MQTT broker")
		}
		defer client.Close()
		sinks = append(sinks, sink.NewMQTT(client, *topicPrefix, *fileFlag))
		log.WithField("broker", *broker).Info("mqtt mirror enabled")
	}

	source := serialsource.New(serialsource.Config{
		Port:           *port,
		Baud:           *baud,
		ReconnectDelay: *reconnectDelay,
	}, log)

	var hub *livestream.Hub
	if *listen != "" {
		hub = livestream.NewHub(log)
		go hub.Run(ctx)
		sinks = append(sinks, hub)
	}

	ingest := pipeline.New(source, sinks, pipeline.Config{Prefix: *prefix}, log)

	if *listen != "" {
		go serveHTTP(ctx, *listen, hub, ingest, log)
	}

	log.WithFields(logrus.Fields{
		"port": *port,
		"baud": *baud,
		"db":   *dbPath,
	}).Info("starting ingest")

	ingest.Run(ctx)
	log.Info("clean exit")
}

func serveHTTP(ctx context.Context, addr string, hub *livestream.Hub, ingest *pipeline.Pipeline, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/stats", livestream.StatsHandler(func() any {
		return ingest.Stats()
	}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("live stream listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("live stream server stopped")
	}
}

func logStoreStats(store *storage.Store, log *logrus.Logger) {
	stats, err := store.Stats(context.Background())
	if err != nil {
		return
	}
	log.WithFields(logrus.Fields{
		"packets": stats.PacketCount,
		"values":  stats.ValueCount,
	}).Info("store totals")
}
