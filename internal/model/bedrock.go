// Copyright 2025 Lumenworks
package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/obs"
	"go.uber.org/zap"
)

// bedrockAPI is the narrow slice of the Bedrock runtime client the
// wrappers call; tests substitute a fake.
type bedrockAPI interface {
	InvokeModelWithContext(aws.Context, *bedrockruntime.InvokeModelInput, ...request.Option) (*bedrockruntime.InvokeModelOutput, error)
	StartAsyncInvokeWithContext(aws.Context, *bedrockruntime.StartAsyncInvokeInput, ...request.Option) (*bedrockruntime.StartAsyncInvokeOutput, error)
	GetAsyncInvokeWithContext(aws.Context, *bedrockruntime.GetAsyncInvokeInput, ...request.Option) (*bedrockruntime.GetAsyncInvokeOutput, error)
}

// NewBedrockClient builds the shared Bedrock runtime client.
func NewBedrockClient(cfg *config.Config) (*bedrockruntime.BedrockRuntime, error) {
	awsConfig := &aws.Config{Region: aws.String(cfg.Storage.Region)}
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			cfg.Storage.AccessKeyID,
			cfg.Storage.SecretAccessKey,
			"",
		)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	return bedrockruntime.New(sess), nil
}

// classify maps provider failures onto the dispatcher's taxonomy. Service-
// wide quota exhaustion is a throttle like any other.
func classify(err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return NewThrottleError(aerr.Code(), aerr.Message())
		default:
			return NewProviderError(aerr.Code(), aerr.Message())
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "TooManyRequestsException") {
		return NewThrottleError("ThrottlingException", msg)
	}
	return NewProviderError("Unknown", msg)
}

// ImageModel generates stills with a Nova-Canvas-style TEXT_IMAGE request.
type ImageModel struct {
	api     bedrockAPI
	modelID string
	log     *zap.Logger
}

func NewImageModel(api bedrockAPI, modelID string, log *zap.Logger) *ImageModel {
	return &ImageModel{api: api, modelID: modelID, log: log}
}

type imageRequest struct {
	TaskType          string            `json:"taskType"`
	TextToImageParams textToImageParams `json:"textToImageParams"`
	ImageGenerationConfig imageGenConfig `json:"imageGenerationConfig"`
}

type textToImageParams struct {
	Text string `json:"text"`
}

type imageGenConfig struct {
	NumberOfImages int     `json:"numberOfImages"`
	Quality        string  `json:"quality"`
	Height         int     `json:"height"`
	Width          int     `json:"width"`
	CfgScale       float64 `json:"cfgScale"`
	Seed           int     `json:"seed"`
}

type imageResponse struct {
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
}

func (m *ImageModel) Generate(ctx context.Context, prompt string) ([]byte, error) {
	payload, err := json.Marshal(imageRequest{
		TaskType:          "TEXT_IMAGE",
		TextToImageParams: textToImageParams{Text: prompt},
		ImageGenerationConfig: imageGenConfig{
			NumberOfImages: 1,
			Quality:        "premium",
			Height:         720,
			Width:          1280,
			CfgScale:       7.0,
			Seed:           42,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	start := time.Now()
	out, err := m.api.InvokeModelWithContext(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(m.modelID),
		Body:        payload,
		ContentType: aws.String("application/json"),
	})
	obs.ModelLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classify(err)
	}

	var resp imageResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, NewProviderError("MalformedResponse", err.Error())
	}
	if len(resp.Images) == 0 {
		msg := resp.Error
		if msg == "" {
			msg = "no images returned"
		}
		return nil, NewProviderError("EmptyResult", msg)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return nil, NewProviderError("MalformedResponse", err.Error())
	}
	m.log.Info("image generated",
		obs.String("model", m.modelID),
		obs.Int("bytes", len(data)))
	return data, nil
}

// VideoModel drives the async Nova-Reel-style interface. The provider
// writes its output to outputURI; the service later copies it under a
// session-qualified name.
type VideoModel struct {
	api       bedrockAPI
	modelID   string
	outputURI string
	log       *zap.Logger
}

func NewVideoModel(api bedrockAPI, modelID, outputURI string, log *zap.Logger) *VideoModel {
	return &VideoModel{api: api, modelID: modelID, outputURI: outputURI, log: log}
}

func (m *VideoModel) Start(ctx context.Context, imageJPEG []byte, prompt string) (*VideoJob, error) {
	modelInput := map[string]interface{}{
		"taskType": "TEXT_VIDEO",
		"textToVideoParams": map[string]interface{}{
			"text": prompt,
			"images": []map[string]interface{}{
				{
					"format": "jpeg",
					"source": map[string]interface{}{
						"bytes": base64.StdEncoding.EncodeToString(imageJPEG),
					},
				},
			},
		},
		"videoGenerationConfig": map[string]interface{}{
			"durationSeconds": 6,
			"fps":             24,
			"dimension":       "1280x720",
			"seed":            42,
		},
	}

	out, err := m.api.StartAsyncInvokeWithContext(ctx, &bedrockruntime.StartAsyncInvokeInput{
		ClientRequestToken: aws.String(uuid.NewString()),
		ModelId:            aws.String(m.modelID),
		ModelInput:         modelInput,
		OutputDataConfig: &bedrockruntime.AsyncInvokeOutputDataConfig{
			S3OutputDataConfig: &bedrockruntime.AsyncInvokeS3OutputDataConfig{
				S3Uri: aws.String(m.outputURI),
			},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	arn := aws.StringValue(out.InvocationArn)
	m.log.Info("video generation started",
		obs.String("model", m.modelID),
		obs.String("invocation_arn", arn))
	return &VideoJob{InvocationARN: arn}, nil
}

func (m *VideoModel) Status(ctx context.Context, invocationARN string) (*VideoStatus, error) {
	out, err := m.api.GetAsyncInvokeWithContext(ctx, &bedrockruntime.GetAsyncInvokeInput{
		InvocationArn: aws.String(invocationARN),
	})
	if err != nil {
		return nil, classify(err)
	}
	switch aws.StringValue(out.Status) {
	case "Completed":
		return &VideoStatus{
			Status:    "completed",
			OutputKey: ProviderOutputKey(invocationARN),
		}, nil
	case "InProgress":
		return &VideoStatus{Status: "processing"}, nil
	case "Failed":
		return &VideoStatus{Status: "failed", Failure: aws.StringValue(out.FailureMessage)}, nil
	default:
		return &VideoStatus{Status: "processing"}, nil
	}
}

// ProviderOutputKey is where the provider parks a finished video before the
// service renames it: <prefix>/<invocation-id>/output.mp4.
func ProviderOutputKey(invocationARN string) string {
	parts := strings.Split(invocationARN, "/")
	id := parts[len(parts)-1]
	return "bedrock-videos/" + id + "/output.mp4"
}
