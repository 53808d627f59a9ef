package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	dslipak "github.com/dslipak/pdf"
	ledongthuc "github.com/ledongthuc/pdf"
)

// pdfStrategy is one way of pulling text out of a PDF. Strategies are tried
// in order until one yields text; the chain exists because no single pure-Go
// PDF parser handles every producer's output.
type pdfStrategy struct {
	name    string
	extract func(data []byte) (string, error)
}

var pdfStrategies = []pdfStrategy{
	{name: "ledongthuc", extract: extractPDFLedongthuc},
	{name: "dslipak", extract: extractPDFDslipak},
}

// extractPDF tries each strategy in order. ErrEmptyResult is returned only
// when at least one parser accepted the file but none found text;
// ErrCorruptInput when no parser accepted it at all.
func extractPDF(data []byte) (string, error) {
	var (
		errs     []error
		parsedOK bool
	)

	for _, strategy := range pdfStrategies {
		text, err := runPDFStrategy(strategy, data)
		if err == nil {
			if strings.TrimSpace(text) != "" {
				return text, nil
			}
			parsedOK = true
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", strategy.name, err))
	}

	if parsedOK {
		return "", ErrEmptyResult
	}
	return "", fmt.Errorf("%w: %w", ErrCorruptInput, errors.Join(errs...))
}

// runPDFStrategy converts parser panics into errors; some PDF parsers panic
// on malformed cross-reference tables.
func runPDFStrategy(strategy pdfStrategy, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return strategy.extract(data)
}

func extractPDFLedongthuc(data []byte) (string, error) {
	reader, err := ledongthuc.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("copying PDF text: %w", err)
	}
	return buf.String(), nil
}

func extractPDFDslipak(data []byte) (string, error) {
	reader, err := dslipak.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("copying PDF text: %w", err)
	}
	return buf.String(), nil
}
