// Package resolver classifies raw visa API payloads into a small status vocabulary.
package resolver

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"VisaTracker/internal/domain"
)

// Translation maps a local-language status fragment to its canonical English value.
type Translation struct {
	Fragment string
	Status   string
}

// Translations is checked in order; the first fragment contained in the
// upper-cased upstream status wins.
var Translations = []Translation{
	{"TASDIQLANGAN", "APPROVED"},
	{"ISHLATILGAN", "APPROVED"},
	{"BEKOR QILINGAN", "CANCELLED"},
	{"RAD ETILGAN", "REJECTED"},
	{"KO'RIB CHIQILMOQDA", "UNDER REVIEW"},
	{"QABUL QILINGAN", "APP/RECEIVED"},
	{"VIZA TAYYORLANISH BOSQICHIDA", "UNDER REVIEW"},
}

// TechnicalStatuses are workflow states of the upstream task, never visa decisions.
var TechnicalStatuses = []string{"COMPLETED", "SUCCESS", "QUEUED", "DONE", "IN_PROGRESS", "PENDING"}

var failureStatuses = []string{"ERROR", "FAILED", "FAILURE"}

var noDataMarkers = []string{"not found", "no data", "topilmadi", "mavjud emas", "no application", "no record"}

// ResolveJSON decodes raw and resolves it. Undecodable input resolves to Unknown.
func ResolveJSON(raw []byte) domain.Resolution {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return unknown()
	}
	return Resolve(payload)
}

// Resolve maps a decoded payload to a status and application date.
func Resolve(payload any) domain.Resolution {
	data, ok := payload.(map[string]any)
	if !ok {
		return unknown()
	}
	responseData, hasResponseData := data["response_data"]
	rd, _ := responseData.(map[string]any)

	for _, msg := range []any{data["error"], rd["error"], rd["message"], data["message"]} {
		if s, ok := msg.(string); ok && reportsNoData(s) {
			return pending()
		}
	}

	if hasResponseData && isEmpty(responseData) {
		return pending()
	}
	if visaData, ok := rd["visa_data"]; ok && visaData == nil {
		return pending()
	}

	found, appDate := findStatus(data, rd)
	if found == "" {
		return unknown()
	}

	upper := strings.ToUpper(found)
	for _, t := range Translations {
		if strings.Contains(upper, t.Fragment) {
			return domain.Resolution{Status: t.Status, ApplicationDate: appDate}
		}
	}
	return domain.Resolution{Status: found, ApplicationDate: appDate}
}

func findStatus(data, rd map[string]any) (string, string) {
	if vd, ok := rd["visa_data"].(map[string]any); ok {
		if s := scalarField(vd, "status"); s != "" {
			return s, stringField(vd, "application_date")
		}
	}
	if vd, ok := data["visa_data"].(map[string]any); ok {
		if s := scalarField(vd, "status"); s != "" {
			return s, stringField(vd, "application_date")
		}
	}
	if s := scalarField(rd, "visa_status"); s != "" {
		return s, ""
	}
	if s := scalarField(rd, "status"); s != "" && !isTechnical(s) {
		return s, ""
	}
	if s := scalarField(data, "status"); s != "" && !isTechnical(s) && !slices.Contains(failureStatuses, strings.ToUpper(s)) {
		return s, ""
	}
	return "", ""
}

func reportsNoData(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range noDataMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func isTechnical(status string) bool {
	return slices.Contains(TechnicalStatuses, strings.ToUpper(status))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// scalarField renders a present, non-zero scalar as text; numbers and true
// count as a status, zero, false and containers do not.
func scalarField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
	}
	return ""
}

func pending() domain.Resolution {
	return domain.Resolution{Status: domain.StatusPending}
}

func unknown() domain.Resolution {
	return domain.Resolution{Status: domain.StatusUnknown}
}
