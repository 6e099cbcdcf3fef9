package bot

import "github.com/memohai/qianfanbot/internal/config"

// Options are the user-facing switches and model defaults.
type Options struct {
	ChatModel    string
	System       string
	Temperature  *float64
	TopP         *float64
	PenaltyScore *float64

	OpenHistory      bool
	HistoryRound     int
	OpenImagine      bool
	OpenPrivate      bool
	OpenModelDisplay bool
}

// OptionsFromConfig maps the loaded configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ChatModel:        cfg.Qianfan.ChatModel,
		System:           cfg.Qianfan.System,
		Temperature:      cfg.Qianfan.Temperature,
		TopP:             cfg.Qianfan.TopP,
		PenaltyScore:     cfg.Qianfan.PenaltyScore,
		OpenHistory:      cfg.Features.OpenHistory,
		HistoryRound:     cfg.Features.HistoryRound,
		OpenImagine:      cfg.Features.OpenImagine,
		OpenPrivate:      cfg.Features.OpenPrivate,
		OpenModelDisplay: cfg.Features.OpenModelDisplay,
	}
}
