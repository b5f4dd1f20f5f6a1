// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package builtin

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/priam/pkg/tools"
)

const (
	mediaTypePDF  = "application/pdf"
	mediaTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mediaTypeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// maxCellsPerSheet caps spreadsheet extraction to avoid huge outputs.
	maxCellsPerSheet = 1000
)

func attachmentParseBinding() *tools.Binding {
	return &tools.Binding{
		Handler:     tools.HandlerFunc(attachmentParse),
		Description: "Extract plain text from an attached document (pdf, docx, xlsx)",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"data": map[string]any{
					"type":        "string",
					"description": "Base64-encoded document bytes",
				},
				"media_type": map[string]any{
					"type":        "string",
					"description": "Document media type or shorthand (pdf, docx, xlsx)",
				},
			},
			"required": []any{"data", "media_type"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}
}

func attachmentParse(ctx context.Context, args map[string]any) (map[string]any, error) {
	encoded, err := stringArg(args, "data")
	if err != nil {
		return nil, tools.Permanent(err)
	}
	mediaType, err := stringArg(args, "media_type")
	if err != nil {
		return nil, tools.Permanent(err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("decoding attachment data: %w", err))
	}

	switch normalizeMediaType(mediaType) {
	case mediaTypePDF:
		return parsePDF(ctx, data)
	case mediaTypeDocx:
		return parseDocx(data)
	case mediaTypeXlsx:
		return parseXlsx(ctx, data)
	default:
		return nil, tools.Permanent(fmt.Errorf("unsupported media type %q", mediaType))
	}
}

func normalizeMediaType(mediaType string) string {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "pdf", ".pdf", mediaTypePDF:
		return mediaTypePDF
	case "docx", ".docx", mediaTypeDocx:
		return mediaTypeDocx
	case "xlsx", ".xlsx", mediaTypeXlsx:
		return mediaTypeXlsx
	default:
		return mediaType
	}
}

func parsePDF(ctx context.Context, data []byte) (map[string]any, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("parsing PDF: %w", err))
	}

	var parts []string
	totalPages := reader.NumPage()

	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}

	return map[string]any{
		"text":  strings.Join(parts, "\n\n"),
		"pages": totalPages,
	}, nil
}

func parseDocx(data []byte) (map[string]any, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("parsing Word document: %w", err))
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	return map[string]any{
		"text": content,
	}, nil
}

func parseXlsx(ctx context.Context, data []byte) (map[string]any, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("parsing Excel document: %w", err))
	}
	defer f.Close()

	var parts []string
	sheets := f.GetSheetList()

	for _, sheetName := range sheets {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var sheetText strings.Builder
		sheetText.WriteString(fmt.Sprintf("--- Sheet: %s ---\n", sheetName))

		rows, err := f.GetRows(sheetName)
		if err != nil {
			sheetText.WriteString(fmt.Sprintf("Error reading sheet: %v\n", err))
			parts = append(parts, sheetText.String())
			continue
		}

		cellCount := 0
		for rowIndex, row := range rows {
			if cellCount >= maxCellsPerSheet {
				sheetText.WriteString("... (truncated)\n")
				break
			}
			for colIndex, cell := range row {
				if cellCount >= maxCellsPerSheet {
					break
				}
				if text := strings.TrimSpace(cell); text != "" {
					sheetText.WriteString(fmt.Sprintf("%s%d: %s\n", columnLetter(colIndex), rowIndex+1, text))
					cellCount++
				}
			}
		}

		if text := strings.TrimSpace(sheetText.String()); text != "" {
			parts = append(parts, text)
		}
	}

	return map[string]any{
		"text":   strings.Join(parts, "\n\n"),
		"sheets": len(sheets),
	}, nil
}

// columnLetter converts a 0-based column index to its spreadsheet letter
// (A, B, ..., Z, AA, AB, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}
