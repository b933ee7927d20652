package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/lineproto"
)

const maxLineBytes = 1024 * 1024

// Emitter consumes the parsed event stream. Satisfied by
// lineproto.Translator.
type Emitter interface {
	Emit(ctx context.Context, ev lineproto.ParsedEvent)
	Finalize(ctx context.Context, finalText string)
	EmitError(ctx context.Context, code, message string)
}

// Pump reads NDJSON lines from r, parses each into typed events, and feeds
// them to the emitter. On clean EOF it finalizes the stream; on a read
// failure it emits a durable error instead. Blocks until the stream ends.
func Pump(ctx context.Context, r io.Reader, parser *lineproto.Parser, emitter Emitter, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		for _, ev := range parser.ParseLine(line) {
			emitter.Emit(ctx, ev)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("agent stream read failed")
		emitter.EmitError(ctx, "stream_read_failed", "Agent stream interrupted: "+err.Error())
		return err
	}

	emitter.Finalize(ctx, "")
	return nil
}
