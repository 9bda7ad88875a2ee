package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/DavidNemeth/TimeSheet-App/models"
)

// ExportCSV streams the non-archived entries of one month as CSV.
func (h *TimesheetHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	monthStr := r.URL.Query().Get("month")
	yearStr := r.URL.Query().Get("year")

	month, err := strconv.Atoi(monthStr)
	if err != nil || month < 1 || month > 12 {
		writeMessage(w, http.StatusBadRequest, "invalid month")
		return
	}

	year, err := strconv.Atoi(yearStr)
	if err != nil || year < 2000 || year > 2100 {
		writeMessage(w, http.StatusBadRequest, "invalid year")
		return
	}

	startDate := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	endDate := startDate.AddDate(0, 1, -1)

	var entries []models.TimesheetEntry
	if userID := r.URL.Query().Get("userId"); userID != "" {
		entries, err = h.service.ListForUser(r.Context(), userID, startDate, endDate)
	} else {
		entries, err = h.service.List(r.Context(), startDate, endDate, false)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	filename := fmt.Sprintf("timesheet_%d_%02d.csv", year, month)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	_ = writer.Write([]string{
		"Employee", "Employee ID", "Date", "Overtime", "From", "To", "Payout",
		"Dirt bonus", "Machine", "Status", "Approved/Rejected by",
	})
	// oldest first, the store lists newest first
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		_ = writer.Write([]string{
			e.Username,
			e.EmployeeID,
			e.Date.Format("2006-01-02"),
			formatAmount(e.Overtime),
			formatTime(e.OvertimeFrom),
			formatTime(e.OvertimeTo),
			e.PayoutOption,
			formatAmount(e.Dirtbonus),
			e.Machine,
			e.Status.String(),
			e.ApprovedOrRejectedBy(),
		})
	}
}

func formatAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func formatTime(t *models.TimeOfDay) string {
	if t == nil {
		return ""
	}
	return t.String()
}
