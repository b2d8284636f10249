// Package export выгружает отложенные события в таблицы.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"sparkles/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Events"

var header = []string{"ID", "Kind", "Account", "Fire At", "Status", "Attempts", "Last Error", "Created At", "Updated At"}

// statusFill цвет ячейки статуса.
var statusFill = map[models.Status]string{
	models.StatusPending: "#FFF2CC",
	models.StatusFiring:  "#DDEBF7",
	models.StatusDone:    "#E2EFDA",
	models.StatusFailed:  "#F8CBAD",
}

// WriteEventsXLSX пишет один лист: жирный заголовок и строка на событие.
func WriteEventsXLSX(w io.Writer, evs []models.PendingEvent) error {
	f, err := build(evs)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// ExportToFile сохраняет книгу в dir и возвращает путь к файлу.
func ExportToFile(dir string, evs []models.PendingEvent, now time.Time) (string, error) {
	// Создаем папку для экспорта, если не существует
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := build(evs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filePath := filepath.Join(dir, FileName(now))
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return filePath, nil
}

// FileName имя файла выгрузки на момент now.
func FileName(now time.Time) string {
	return fmt.Sprintf("events_%s.xlsx", now.UTC().Format("2006-01-02_150405"))
}

func build(evs []models.PendingEvent) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	// Удаляем стандартный лист
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, title := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, title)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	_ = f.SetCellStyle(sheetName, "A1", lastCol+"1", headerStyle)

	styles := make(map[models.Status]int, len(statusFill))
	for status, color := range statusFill {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			styles[status] = id
		}
	}

	for i, ev := range evs {
		row := i + 2
		values := []interface{}{
			ev.ID,
			string(ev.Kind),
			ev.AccountID,
			ev.FireAt.UTC().Format(time.RFC3339),
			string(ev.Status),
			ev.Attempts,
			ev.LastError,
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.UpdatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if style, ok := styles[ev.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(5, row)
			_ = f.SetCellStyle(sheetName, statusCell, statusCell, style)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "F", 12)
	_ = f.SetColWidth(sheetName, "G", "G", 40)
	_ = f.SetColWidth(sheetName, "D", "D", 22)
	_ = f.SetColWidth(sheetName, "H", "I", 22)
	_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	return f, nil
}
