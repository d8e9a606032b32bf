package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var (
	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

// estimateUsage считает токены локально, если провайдер не вернул usage.
// Возвращает ok=false, если токенайзер недоступен.
func estimateUsage(model, prompt, completion string) (UsageInfo, bool) {
	enc := encoderFor(model)
	if enc == nil {
		return UsageInfo{}, false
	}
	p := len(enc.Encode(prompt, nil, nil))
	c := len(enc.Encode(completion, nil, nil))
	return UsageInfo{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c, Estimated: true}, true
}

func encoderFor(model string) *tiktoken.Tiktoken {
	encodersMu.Lock()
	defer encodersMu.Unlock()

	if enc, ok := encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Неизвестные модели (ollama) считаем базовой кодировкой
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		encoders[model] = nil
		return nil
	}
	encoders[model] = enc
	return enc
}
