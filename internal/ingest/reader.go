package ingest

import (
	"bufio"
	"context"
	"io"

	logx "hookrelay/pkg/logx"
)

// maxLine bounds one input line.
const maxLine = 1 << 20

// ReadLines parses r line by line and hands each message to p until EOF or
// ctx is done. Unparsable lines are logged and skipped.
func ReadLines(ctx context.Context, r io.Reader, parser Parser, p *Pipeline, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lines := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lines++
		m, ok, err := parser.ParseLine(sc.Bytes())
		if err != nil {
			log.Warn("unparsable line skipped", logx.Int("line", lines), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		_ = p.Handle(m)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	log.Debug("input closed", logx.Int("lines", lines))
	return nil
}
