// Copyright 2025 Lumenworks
package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/bedrockruntime"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBedrock struct {
	invokeOut *bedrockruntime.InvokeModelOutput
	invokeErr error
	startOut  *bedrockruntime.StartAsyncInvokeOutput
	startErr  error
	getOut    *bedrockruntime.GetAsyncInvokeOutput
	getErr    error

	lastInvoke *bedrockruntime.InvokeModelInput
}

func (f *fakeBedrock) InvokeModelWithContext(_ aws.Context, in *bedrockruntime.InvokeModelInput, _ ...request.Option) (*bedrockruntime.InvokeModelOutput, error) {
	f.lastInvoke = in
	return f.invokeOut, f.invokeErr
}

func (f *fakeBedrock) StartAsyncInvokeWithContext(_ aws.Context, _ *bedrockruntime.StartAsyncInvokeInput, _ ...request.Option) (*bedrockruntime.StartAsyncInvokeOutput, error) {
	return f.startOut, f.startErr
}

func (f *fakeBedrock) GetAsyncInvokeWithContext(_ aws.Context, _ *bedrockruntime.GetAsyncInvokeInput, _ ...request.Option) (*bedrockruntime.GetAsyncInvokeOutput, error) {
	return f.getOut, f.getErr
}

func TestGenerateDecodesImage(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G'}
	body, _ := json.Marshal(map[string]interface{}{
		"images": []string{base64.StdEncoding.EncodeToString(img)},
	})
	fake := &fakeBedrock{invokeOut: &bedrockruntime.InvokeModelOutput{Body: body}}
	m := NewImageModel(fake, "amazon.nova-canvas-v1:0", zap.NewNop())

	out, err := m.Generate(context.Background(), "a friendly robot")
	require.NoError(t, err)
	require.Equal(t, img, out)

	// request carries the TEXT_IMAGE task type and the prompt
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(fake.lastInvoke.Body, &req))
	require.Equal(t, "TEXT_IMAGE", req["taskType"])
	params := req["textToImageParams"].(map[string]interface{})
	require.Equal(t, "a friendly robot", params["text"])
}

func TestGenerateClassifiesThrottle(t *testing.T) {
	fake := &fakeBedrock{invokeErr: awserr.New("ThrottlingException", "slow down", nil)}
	m := NewImageModel(fake, "model", zap.NewNop())

	_, err := m.Generate(context.Background(), "p")
	require.Error(t, err)
	require.True(t, IsThrottle(err))
}

func TestServiceQuotaIsThrottle(t *testing.T) {
	fake := &fakeBedrock{invokeErr: awserr.New("ServiceQuotaExceededException", "quota", nil)}
	m := NewImageModel(fake, "model", zap.NewNop())

	_, err := m.Generate(context.Background(), "p")
	require.True(t, IsThrottle(err))
}

func TestValidationErrorIsNotThrottle(t *testing.T) {
	fake := &fakeBedrock{invokeErr: awserr.New("ValidationException", "bad prompt", nil)}
	m := NewImageModel(fake, "model", zap.NewNop())

	_, err := m.Generate(context.Background(), "p")
	require.Error(t, err)
	require.False(t, IsThrottle(err))

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "ValidationException", pe.Code)
}

func TestGenerateEmptyResult(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{"images": []string{}})
	fake := &fakeBedrock{invokeOut: &bedrockruntime.InvokeModelOutput{Body: body}}
	m := NewImageModel(fake, "model", zap.NewNop())

	_, err := m.Generate(context.Background(), "p")
	require.Error(t, err)
	require.False(t, IsThrottle(err))
}

func TestVideoStartReturnsARN(t *testing.T) {
	fake := &fakeBedrock{startOut: &bedrockruntime.StartAsyncInvokeOutput{
		InvocationArn: aws.String("arn:aws:bedrock:us-east-1:123:async-invoke/abc123"),
	}}
	m := NewVideoModel(fake, "amazon.nova-reel-v1:0", "s3://bucket/bedrock-videos/", zap.NewNop())

	job, err := m.Start(context.Background(), []byte{0xFF, 0xD8, 0xFF}, "zoom out slowly")
	require.NoError(t, err)
	require.Equal(t, "arn:aws:bedrock:us-east-1:123:async-invoke/abc123", job.InvocationARN)
	require.Nil(t, job.Data)
}

func TestVideoStatusMapping(t *testing.T) {
	arn := "arn:aws:bedrock:us-east-1:123:async-invoke/abc123"
	cases := []struct {
		provider string
		want     string
	}{
		{"InProgress", "processing"},
		{"Completed", "completed"},
		{"Failed", "failed"},
		{"Weird", "processing"},
	}
	for _, tc := range cases {
		fake := &fakeBedrock{getOut: &bedrockruntime.GetAsyncInvokeOutput{
			Status:         aws.String(tc.provider),
			FailureMessage: aws.String("why"),
		}}
		m := NewVideoModel(fake, "model", "s3://b/p/", zap.NewNop())
		st, err := m.Status(context.Background(), arn)
		require.NoError(t, err)
		require.Equal(t, tc.want, st.Status)
		if tc.want == "completed" {
			require.Equal(t, "bedrock-videos/abc123/output.mp4", st.OutputKey)
		}
	}
}
