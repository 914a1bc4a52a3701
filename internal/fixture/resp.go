package fixture

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"
)

func respondJSON(w http.ResponseWriter, statusCode int, data any) error {
	if statusCode == http.StatusNoContent {
		w.WriteHeader(statusCode)
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)

	if _, err = w.Write(jsonData); err != nil {
		return err
	}

	return nil
}

func redirect(w http.ResponseWriter, r *http.Request, location string, code int) error {
	if code < 300 || code > 399 {
		return newError(http.StatusBadRequest, fmt.Errorf("invalid redirect code: %d", code))
	}

	// http.Redirect would rewrite relative locations; keep them as given.
	w.Header().Set("Location", location)
	w.WriteHeader(code)

	return nil
}
