package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/IMBotPlatform/OpenAIService/ai"
)

type imageGenerateRequest struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	N       int    `json:"n,omitempty"`
}

type imageGenerateResponse struct {
	ImageURL      string   `json:"image_url"`
	ImageURLs     []string `json:"image_urls"`
	RevisedPrompt string   `json:"revised_prompt,omitempty"`
	Created       int64    `json:"created"`
}

type imageDescribeRequest struct {
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt,omitempty"`
}

type speechCreateRequest struct {
	Text           string  `json:"text"`
	Voice          string  `json:"voice,omitempty"`
	Model          string  `json:"model,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

func (s *Server) handleImageGenerate(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeFailure(w, ai.ErrMediaNotConfigured)
		return
	}
	var req imageGenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.media.GenerateImage(r.Context(), ai.ImageRequest{
		Prompt:  req.Prompt,
		Size:    req.Size,
		Quality: req.Quality,
		N:       req.N,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, imageGenerateResponse{
		ImageURL:      result.URLs[0],
		ImageURLs:     result.URLs,
		RevisedPrompt: result.RevisedPrompt,
		Created:       result.Created,
	})
}

// handleImageDescribe 使用视觉模型描述图片。
func (s *Server) handleImageDescribe(w http.ResponseWriter, r *http.Request) {
	var req imageDescribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	completion, err := s.chat.DescribeImage(r.Context(), req.ImageURL, req.Prompt)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

func (s *Server) handleImageEdit(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, kindNotImplemented, "image editing is not implemented")
}

// handleSpeechCreate 合成语音并直接返回音频内容。
func (s *Server) handleSpeechCreate(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeFailure(w, ai.ErrMediaNotConfigured)
		return
	}
	var req speechCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.media.Speak(r.Context(), ai.SpeechRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.ResponseFormat,
		Speed:  req.Speed,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

// handleSpeechTranscribe 转写上传的音频，返回 {"transcription": ...}。
func (s *Server) handleSpeechTranscribe(w http.ResponseWriter, r *http.Request) {
	text, ok := s.transcribe(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

// handleListenTranscription 与 /speech/transcribe 相同，响应字段为 text。
func (s *Server) handleListenTranscription(w http.ResponseWriter, r *http.Request) {
	text, ok := s.transcribe(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// transcribe 读取 multipart 表单中的 file/language/response_format 并调用转写。
// 返回 false 时已写回错误响应。
func (s *Server) transcribe(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.media == nil {
		writeFailure(w, ai.ErrMediaNotConfigured)
		return "", false
	}

	limit := s.cfg.Server.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, "audio file too large")
			return "", false
		}
		writeError(w, http.StatusBadRequest, kindInvalidInput, "multipart field \"file\" is required")
		return "", false
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	text, err := s.media.Transcribe(r.Context(), ai.TranscriptionRequest{
		Audio:    file,
		Filename: header.Filename,
		Language: r.FormValue("language"),
		Format:   r.FormValue("response_format"),
	})
	if err != nil {
		writeFailure(w, err)
		return "", false
	}
	return text, true
}
