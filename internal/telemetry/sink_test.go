package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

func sampleEvents() []models.TelemetryEvent {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	return []models.TelemetryEvent{
		{ID: "evt-1", Name: "app.open", CreatedAt: at},
		{ID: "evt-2", Name: "sync.pass", Payload: []byte(`{"items":3}`), CreatedAt: at},
	}
}

func TestEncodeDecodeBatch(t *testing.T) {
	body, err := EncodeBatch(sampleEvents())
	require.NoError(t, err)

	events, err := DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "sync.pass", events[1].Name)
	assert.JSONEq(t, `{"items":3}`, string(events[1].Payload))

	_, err = DecodeBatch([]byte("not snappy"))
	assert.Error(t, err)
}

func TestHTTPSink(t *testing.T) {
	var got []models.TelemetryEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		events, err := DecodeBatch(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got = events
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, nil)
	sink.Token = func(context.Context) (string, error) { return "t0k", nil }

	require.NoError(t, sink.Send(context.Background(), sampleEvents()))
	assert.Len(t, got, 2)
}

func TestHTTPSink_non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, nil).Send(context.Background(), sampleEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_putsCompressedObject(t *testing.T) {
	putter := &fakePutter{}
	sink := NewS3SinkWithClient(putter, "analytics", "devices/a1/")
	sink.clock = clock.NewFake(time.Date(2024, 5, 1, 9, 15, 30, 0, time.UTC))

	require.NoError(t, sink.Send(context.Background(), sampleEvents()))

	assert.Equal(t, "analytics", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "devices/a1/telemetry/2024/05/01/091530.000-evt-1.json.sz", aws.ToString(putter.input.Key))
	assert.Equal(t, "2", putter.input.Metadata["events"])

	raw, err := snappy.Decode(nil, putter.body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"app.open"`)

	putter.input = nil
	require.NoError(t, sink.Send(context.Background(), nil))
	assert.Nil(t, putter.input, "empty batches are not uploaded")
}

func TestS3Config_endpoint(t *testing.T) {
	tests := []struct {
		name      string
		cfg       S3Config
		endpoint  string
		region    string
		pathStyle bool
		wantErr   bool
	}{
		{"aws default region", S3Config{}, "", "us-east-1", false, false},
		{"aws region", S3Config{Provider: "aws", Region: "eu-west-1"}, "", "eu-west-1", false, false},
		{"minio plain", S3Config{Provider: "minio", Endpoint: "localhost:9000/"}, "http://localhost:9000", "us-east-1", true, false},
		{"minio tls", S3Config{Provider: "minio", Endpoint: "minio.local", UseSSL: true}, "https://minio.local", "us-east-1", true, false},
		{"minio missing endpoint", S3Config{Provider: "minio"}, "", "", false, true},
		{"r2", S3Config{Provider: "R2", AccountID: "abc"}, "https://abc.r2.cloudflarestorage.com", "auto", false, false},
		{"r2 missing account", S3Config{Provider: "r2"}, "", "", false, true},
		{"unknown", S3Config{Provider: "gcs"}, "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, region, pathStyle, err := tt.cfg.endpoint()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.region, region)
			assert.Equal(t, tt.pathStyle, pathStyle)
		})
	}
}

func TestNewS3Sink_requiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	assert.Error(t, err)
}
