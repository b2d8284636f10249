// Package google зеркалирует переходы отложенных событий в Google Sheets.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"sparkles/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var ErrRowNotFound = errors.New("event row not found")

const timeLayout = "2006-01-02 15:04:05"

// Header первая строка листа событий, колонки A..H.
var Header = []interface{}{"ID", "Kind", "Account", "Fire At", "Status", "Error", "Attempts", "Updated At"}

type SheetsService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	rowCache      map[string]int
	cacheMu       sync.RWMutex
	now           func() time.Time
}

func NewSheetsService(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*SheetsService, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsService(srv, spreadsheetID, sheetName), nil
}

func newSheetsService(srv *sheets.Service, spreadsheetID, sheetName string) *SheetsService {
	if sheetName == "" {
		sheetName = "Events"
	}
	return &SheetsService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		rowCache:      make(map[string]int),
		now:           time.Now,
	}
}

// ServiceAccountEmail возвращает client_email из файла учётных данных.
// Таблицу нужно расшарить на этот адрес.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}

// TestConnection проверяет подключение к таблице
func (s *SheetsService) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.cell("A1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// EnsureHeader записывает строку заголовка.
func (s *SheetsService) EnsureHeader(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.cell("A1:H1"), &sheets.ValueRange{
		Values: [][]interface{}{Header},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// WarmUpCache читает колонку ID и пересобирает индекс строк.
func (s *SheetsService) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.cell("A:A")).Context(ctx).Do()
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)
	for i, row := range resp.Values {
		if id := cellString(row); id != "" && i > 0 {
			s.rowCache[id] = i + 1
		}
	}
	return nil
}

// AppendEvent добавляет строку в конец листа.
func (s *SheetsService) AppendEvent(ctx context.Context, ev *models.PendingEvent) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.cell("A:A"), &sheets.ValueRange{
		Values: [][]interface{}{s.eventRowValues(ev)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}
	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(ev.ID, row)
		}
	}
	return nil
}

// UpsertEvent обновляет строку события или добавляет новую.
func (s *SheetsService) UpsertEvent(ctx context.Context, ev *models.PendingEvent) error {
	if ev == nil {
		return errors.New("event is nil")
	}

	rowIdx, err := s.FindEventRow(ctx, ev.ID)
	if errors.Is(err, ErrRowNotFound) {
		return s.AppendEvent(ctx, ev)
	}
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rowRange("A", "H", rowIdx), &sheets.ValueRange{
		Values: [][]interface{}{s.eventRowValues(ev)},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// UpdateEventStatus переписывает статус, ошибку, попытки и время изменения в существующей строке.
func (s *SheetsService) UpdateEventStatus(ctx context.Context, id string, status models.Status, errMsg string, attempts int) error {
	rowIdx, err := s.FindEventRow(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rowRange("E", "H", rowIdx), &sheets.ValueRange{
		Values: [][]interface{}{{string(status), errMsg, attempts, s.now().UTC().Format(timeLayout)}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// DeleteEventRow очищает строку события.
func (s *SheetsService) DeleteEventRow(ctx context.Context, id string) error {
	rowIdx, err := s.FindEventRow(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.rowRange("A", "H", rowIdx), &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err == nil {
		s.deleteCachedRow(id)
	}
	return err
}

// ReplaceEvents очищает лист и пишет заголовок и по строке на событие.
func (s *SheetsService) ReplaceEvents(ctx context.Context, evs []models.PendingEvent) error {
	_, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, s.cell("A:H"), &sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to clear sheet: %w", err)
	}

	values := make([][]interface{}, 0, len(evs)+1)
	values = append(values, Header)
	for i := range evs {
		values = append(values, s.eventRowValues(&evs[i]))
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.cell(fmt.Sprintf("A1:H%d", len(values))), &sheets.ValueRange{
		Values: values,
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to write events: %w", err)
	}

	s.cacheMu.Lock()
	s.rowCache = make(map[string]int, len(evs))
	for i := range evs {
		s.rowCache[evs[i].ID] = i + 2
	}
	s.cacheMu.Unlock()
	return nil
}

// FindEventRow возвращает номер строки id (с 1), сначала смотрит в кэш.
func (s *SheetsService) FindEventRow(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, errors.New("event id is required")
	}
	if row, ok := s.getCachedRow(id); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.cell("A:A")).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if cellString(row) == id {
			s.setCachedRow(id, i+1)
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrRowNotFound, id)
}

func (s *SheetsService) eventRowValues(ev *models.PendingEvent) []interface{} {
	updated := ev.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	return []interface{}{
		ev.ID,
		string(ev.Kind),
		ev.AccountID,
		ev.FireAt.UTC().Format(timeLayout),
		string(ev.Status),
		ev.LastError,
		ev.Attempts,
		updated.UTC().Format(timeLayout),
	}
}

func (s *SheetsService) cell(ref string) string {
	return s.sheetName + "!" + ref
}

func (s *SheetsService) rowRange(from, to string, row int) string {
	return s.cell(fmt.Sprintf("%s%d:%s%d", from, row, to, row))
}

func (s *SheetsService) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsService) setCachedRow(id string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

func (s *SheetsService) deleteCachedRow(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.rowCache, id)
}

func cellString(row []interface{}) string {
	if len(row) == 0 {
		return ""
	}
	switch v := row[0].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

var updatedRangeRe = regexp.MustCompile(`![A-Z]+(\d+)`)

// firstRow достаёт номер первой строки из диапазона вида "Events!A10:H10".
func firstRow(updatedRange string) (int, bool) {
	m := updatedRangeRe.FindStringSubmatch(updatedRange)
	if m == nil {
		return 0, false
	}
	row, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return row, true
}
