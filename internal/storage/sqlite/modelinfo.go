package sqlite

import (
	"context"
	"database/sql"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// GetModelInfo retrieves persisted metadata for a model alias.
func (s *Store) GetModelInfo(ctx context.Context, alias string) (*conduit.ModelInfo, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT alias, context_window, max_output_tokens,
		 supports_chat, supports_vision, supports_tools, supports_streaming,
		 supports_transcribe, supports_tts, supports_realtime, formats, languages
		 FROM model_info WHERE alias = ?`, alias,
	)

	var info conduit.ModelInfo
	var chat, vision, tools, streaming, transcribe, tts, realtime int
	var formats, languages sql.NullString

	err := row.Scan(&info.Alias, &info.ContextWindow, &info.MaxOutputTokens,
		&chat, &vision, &tools, &streaming, &transcribe, &tts, &realtime,
		&formats, &languages)
	if err != nil {
		return nil, notFoundErr(err)
	}

	info.SupportsChat = chat != 0
	info.SupportsVision = vision != 0
	info.SupportsTools = tools != 0
	info.SupportsStreaming = streaming != 0
	info.SupportsTranscribe = transcribe != 0
	info.SupportsTTS = tts != 0
	info.SupportsRealtime = realtime != 0
	if info.Formats, err = unmarshalStringSlice(formats); err != nil {
		return nil, err
	}
	if info.Languages, err = unmarshalStringSlice(languages); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpsertModelInfo inserts or replaces model metadata, used by bootstrap
// seeding.
func (s *Store) UpsertModelInfo(ctx context.Context, info *conduit.ModelInfo) error {
	formats, err := marshalJSON(info.Formats)
	if err != nil {
		return err
	}
	languages, err := marshalJSON(info.Languages)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO model_info (alias, context_window, max_output_tokens,
		 supports_chat, supports_vision, supports_tools, supports_streaming,
		 supports_transcribe, supports_tts, supports_realtime, formats, languages)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(alias) DO UPDATE SET
		 context_window = excluded.context_window,
		 max_output_tokens = excluded.max_output_tokens,
		 supports_chat = excluded.supports_chat,
		 supports_vision = excluded.supports_vision,
		 supports_tools = excluded.supports_tools,
		 supports_streaming = excluded.supports_streaming,
		 supports_transcribe = excluded.supports_transcribe,
		 supports_tts = excluded.supports_tts,
		 supports_realtime = excluded.supports_realtime,
		 formats = excluded.formats,
		 languages = excluded.languages`,
		info.Alias, info.ContextWindow, info.MaxOutputTokens,
		boolToInt(info.SupportsChat), boolToInt(info.SupportsVision),
		boolToInt(info.SupportsTools), boolToInt(info.SupportsStreaming),
		boolToInt(info.SupportsTranscribe), boolToInt(info.SupportsTTS),
		boolToInt(info.SupportsRealtime), formats, languages,
	)
	return err
}

// GetDefaultModel returns the default alias for a provider type and
// operation kind.
func (s *Store) GetDefaultModel(ctx context.Context, providerType, kind string) (string, error) {
	var alias string
	err := s.read.QueryRowContext(ctx,
		`SELECT alias FROM default_models WHERE provider_type = ? AND kind = ?`,
		providerType, kind,
	).Scan(&alias)
	if err != nil {
		return "", notFoundErr(err)
	}
	return alias, nil
}

// SetDefaultModel records the default alias for a provider type and kind.
func (s *Store) SetDefaultModel(ctx context.Context, providerType, kind, alias string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO default_models (provider_type, kind, alias) VALUES (?, ?, ?)
		 ON CONFLICT(provider_type, kind) DO UPDATE SET alias = excluded.alias`,
		providerType, kind, alias,
	)
	return err
}
