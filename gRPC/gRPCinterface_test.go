package rpc

import (
	"GradCamServer/engine/enginetest"
	"GradCamServer/grading"
	"GradCamServer/pipeline"
	"GradCamServer/preprocess"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func startBufServer(t *testing.T, backend *enginetest.Reference) *grpc.ClientConn {
	t.Helper()
	p := pipeline.New(backend, grading.Default(), pipeline.Options{Layer: enginetest.Layer, InputSize: backend.Size})
	d := pipeline.NewDispatcher(p, 2)
	d.StartWorker(1)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	Register(s, d)
	go func() { _ = s.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		s.GracefulStop()
		d.Close()
	})
	return conn
}

func brightPNG(t *testing.T) []byte {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 64, 64, gocv.MatTypeCV8UC3)
	defer img.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func TestPredict(t *testing.T) {
	conn := startBufServer(t, enginetest.New(preprocess.DefaultSize))
	client := NewPredictServiceClient(conn)

	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDKey, "rpc-1", GroundTruthKey, "4")
	resp, err := client.Predict(ctx, wrapperspb.Bytes(brightPNG(t)))
	require.NoError(t, err)

	pred := resp.GetFields()["prediction"].GetStructValue()
	require.NotNil(t, pred)
	assert.Equal(t, 4.0, pred.GetFields()["grade"].GetNumberValue())
	assert.Equal(t, "Severe OA", pred.GetFields()["label"].GetStringValue())
	assert.NotEmpty(t, pred.GetFields()["heatmap"].GetStringValue())

	probs := pred.GetFields()["class_probabilities"].GetListValue().GetValues()
	require.Len(t, probs, 3)
	grades := make([]float64, 0, len(probs))
	for _, p := range probs {
		grades = append(grades, p.GetStructValue().GetFields()["grade"].GetNumberValue())
	}
	assert.Equal(t, []float64{0, 3, 4}, grades)
}

func TestPredictErrors(t *testing.T) {
	t.Run("empty image", func(t *testing.T) {
		conn := startBufServer(t, enginetest.New(preprocess.DefaultSize))
		_, err := NewPredictServiceClient(conn).Predict(context.Background(), wrapperspb.Bytes(nil))
		st, ok := status.FromError(err)
		require.True(t, ok)
		assert.Equal(t, codes.InvalidArgument, st.Code())
		assert.Equal(t, "No file uploaded", st.Message())
	})

	t.Run("model unavailable", func(t *testing.T) {
		backend := enginetest.New(preprocess.DefaultSize)
		backend.Loaded = false
		conn := startBufServer(t, backend)
		_, err := NewPredictServiceClient(conn).Predict(context.Background(), wrapperspb.Bytes(brightPNG(t)))
		st, ok := status.FromError(err)
		require.True(t, ok)
		assert.Equal(t, codes.Unavailable, st.Code())
		assert.Equal(t, "Model not available", st.Message())
	})

	t.Run("garbage image", func(t *testing.T) {
		conn := startBufServer(t, enginetest.New(preprocess.DefaultSize))
		_, err := NewPredictServiceClient(conn).Predict(context.Background(), wrapperspb.Bytes([]byte("GIF89a?")))
		st, ok := status.FromError(err)
		require.True(t, ok)
		assert.Equal(t, codes.InvalidArgument, st.Code())
		assert.Equal(t, "Uploaded file is not a valid image", st.Message())
	})
}

func TestHealth(t *testing.T) {
	loaded := startBufServer(t, enginetest.New(preprocess.DefaultSize))
	resp, err := healthpb.NewHealthClient(loaded).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	backend := enginetest.New(preprocess.DefaultSize)
	backend.Loaded = false
	unloaded := startBufServer(t, backend)
	resp, err = healthpb.NewHealthClient(unloaded).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	resp, err = healthpb.NewHealthClient(unloaded).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
