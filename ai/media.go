package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// maxSpeechBytes caps the audio body read back from the speech endpoint.
const maxSpeechBytes = 32 << 20

// ImageRequest describes an image generation call.
type ImageRequest struct {
	Prompt  string
	Size    string
	Quality string
	N       int
}

// ImageResult holds the generated image URLs.
type ImageResult struct {
	Created       int64
	URLs          []string
	RevisedPrompt string
}

// SpeechRequest describes a text-to-speech call.
type SpeechRequest struct {
	Text   string
	Voice  string
	Model  string
	Format string
	Speed  float64
}

// SpeechResult holds synthesized audio.
type SpeechResult struct {
	Audio       []byte
	ContentType string
}

// TranscriptionRequest describes a speech-to-text call.
type TranscriptionRequest struct {
	Audio    io.Reader
	Filename string
	Language string
	Format   string
	Model    string
}

// Media 封装图片生成、语音合成与语音转写能力（OpenAI 兼容接口）。
type Media struct {
	client *goopenai.Client
	config MediaConfig
	logger *slog.Logger
}

// NewMedia 创建 Media 客户端。
// APIKey/BaseURL 为空时回退到 fallback（通常是默认模型）的凭据；
// 最终没有可用密钥时返回未配置的 Media，各方法返回 ErrMediaNotConfigured。
func NewMedia(cfg MediaConfig, fallback *ModelConfig, httpClient *http.Client, logger *slog.Logger) *Media {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	apiKey := ResolveSecret(cfg.APIKey)
	baseURL := cfg.BaseURL
	if fallback != nil {
		if apiKey == "" {
			apiKey = ResolveSecret(fallback.APIKey)
		}
		if baseURL == "" {
			baseURL = fallback.BaseURL
		}
	}

	m := &Media{config: cfg, logger: logger}
	if apiKey == "" {
		return m
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	m.client = goopenai.NewClientWithConfig(clientCfg)
	return m
}

// Configured 报告是否具备可用凭据。
func (m *Media) Configured() bool {
	return m != nil && m.client != nil
}

// GenerateImage 根据描述生成图片，返回图片 URL。
func (m *Media) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if !m.Configured() {
		return nil, ErrMediaNotConfigured
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &CompletionError{Kind: KindInvalidInput, Err: errors.New("prompt is required")}
	}
	if req.Size == "" {
		req.Size = goopenai.CreateImageSize1024x1024
	}
	if req.Quality == "" {
		req.Quality = goopenai.CreateImageQualityStandard
	}
	if req.N <= 0 {
		req.N = 1
	}

	resp, err := m.client.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          m.config.ImageModel,
		N:              req.N,
		Size:           req.Size,
		Quality:        req.Quality,
		ResponseFormat: goopenai.CreateImageResponseFormatURL,
	})
	if err != nil {
		m.logger.Error("image generation failed", "model", m.config.ImageModel, "error", err)
		return nil, classifyProviderError(m.config.ImageModel, err)
	}
	if len(resp.Data) == 0 {
		m.logger.Error("empty response from image api", "model", m.config.ImageModel)
		return nil, &CompletionError{Kind: KindEmptyResponse, Model: m.config.ImageModel, Err: errors.New("no image returned")}
	}

	result := &ImageResult{Created: resp.Created, RevisedPrompt: resp.Data[0].RevisedPrompt}
	for _, item := range resp.Data {
		result.URLs = append(result.URLs, item.URL)
	}
	return result, nil
}

// Speak 将文本合成为音频。
func (m *Media) Speak(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if !m.Configured() {
		return nil, ErrMediaNotConfigured
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, &CompletionError{Kind: KindInvalidInput, Err: errors.New("text is required")}
	}
	if req.Model == "" {
		req.Model = m.config.SpeechModel
	}
	if req.Voice == "" {
		req.Voice = string(goopenai.VoiceAlloy)
	}
	if req.Format == "" {
		req.Format = string(goopenai.SpeechResponseFormatMp3)
	}

	resp, err := m.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(req.Model),
		Input:          req.Text,
		Voice:          goopenai.SpeechVoice(req.Voice),
		ResponseFormat: goopenai.SpeechResponseFormat(req.Format),
		Speed:          req.Speed,
	})
	if err != nil {
		m.logger.Error("speech synthesis failed", "model", req.Model, "error", err)
		return nil, classifyProviderError(req.Model, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(io.LimitReader(resp, maxSpeechBytes))
	if err != nil {
		return nil, classifyProviderError(req.Model, fmt.Errorf("read speech body: %w", err))
	}
	if len(audio) == 0 {
		return nil, &CompletionError{Kind: KindEmptyResponse, Model: req.Model, Err: errors.New("no audio returned")}
	}
	return &SpeechResult{Audio: audio, ContentType: speechContentType(req.Format)}, nil
}

// Transcribe 将音频转写为文本。
func (m *Media) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if !m.Configured() {
		return "", ErrMediaNotConfigured
	}
	if req.Audio == nil {
		return "", &CompletionError{Kind: KindInvalidInput, Err: errors.New("audio is required")}
	}
	if req.Model == "" {
		req.Model = m.config.TranscriptionModel
	}
	if req.Filename == "" {
		req.Filename = "audio.mp3"
	}
	if req.Format == "" {
		req.Format = string(goopenai.AudioResponseFormatText)
	}

	resp, err := m.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    req.Model,
		FilePath: req.Filename,
		Reader:   req.Audio,
		Language: req.Language,
		Format:   goopenai.AudioResponseFormat(req.Format),
	})
	if err != nil {
		m.logger.Error("transcription failed", "model", req.Model, "error", err)
		return "", classifyProviderError(req.Model, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func speechContentType(format string) string {
	switch format {
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}
