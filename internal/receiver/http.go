package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var verboseLogging = strings.EqualFold(os.Getenv("VERBOSE_LOGGING"), "true")

// maxBodySize bounds a decompressed export request.
const maxBodySize = 64 << 20

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"
)

// HTTPReceiver serves OTLP/HTTP log exports on /v1/logs.
type HTTPReceiver struct {
	consumer *Consumer
	server   *http.Server
}

// NewHTTPReceiver creates a receiver listening on addr once started.
func NewHTTPReceiver(addr string, consumer *Consumer) *HTTPReceiver {
	r := &HTTPReceiver{consumer: consumer}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/logs", r.handleLogs)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		io.WriteString(w, `{"status":"ok"}`)
	})

	r.server = &http.Server{Addr: addr, Handler: mux}
	return r
}

// Handler returns the receiver's HTTP handler.
func (r *HTTPReceiver) Handler() http.Handler {
	return r.server.Handler
}

// Start serves until Shutdown.
func (r *HTTPReceiver) Start() error {
	if err := r.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown waits for in-flight exports until ctx expires.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// decompress wraps body according to Content-Encoding.
func decompress(body io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(encoding) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip":
		return gzip.NewReader(body)
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func (r *HTTPReceiver) handleLogs(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	reader, err := decompress(req.Body, req.Header.Get("Content-Encoding"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to decompress: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Close()

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	asJSON := strings.HasPrefix(req.Header.Get("Content-Type"), contentTypeJSON)

	var exportReq collogspb.ExportLogsServiceRequest
	if err := unmarshalExport(body, asJSON, &exportReq); err != nil {
		log.Printf("Rejecting unparseable export from %s: %v", req.RemoteAddr, err)
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	summary, err := r.consumer.ConsumeOTLP(req.Context(), &exportReq, "otlp-http")
	if err != nil {
		log.Printf("Log ingestion error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to ingest logs: %v", err), http.StatusInternalServerError)
		return
	}
	if verboseLogging {
		log.Printf("Export from %s: %d records, %d templated, %d templates",
			req.RemoteAddr, summary.Records, summary.Templated, summary.Templates)
	}

	writeResponse(w, exportResponse(summary), asJSON)
}

// unmarshalExport decodes body in the declared encoding and falls back to
// the other one, since some clients mislabel JSON payloads.
func unmarshalExport(body []byte, jsonFirst bool, out *collogspb.ExportLogsServiceRequest) error {
	decoders := []func() error{
		func() error { return proto.Unmarshal(body, out) },
		func() error { return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(body, out) },
	}
	if jsonFirst {
		decoders[0], decoders[1] = decoders[1], decoders[0]
	}

	first := decoders[0]()
	if first == nil {
		return nil
	}
	proto.Reset(out)
	if second := decoders[1](); second != nil {
		return fmt.Errorf("protobuf/json: %v; %v", first, second)
	}
	return nil
}

// writeResponse encodes resp the same way the request was encoded.
func writeResponse(w http.ResponseWriter, resp proto.Message, asJSON bool) {
	marshal, contentType := proto.Marshal, contentTypeProtobuf
	if asJSON {
		marshal, contentType = protojson.Marshal, contentTypeJSON
	}

	data, err := marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
