package fixture

import (
	"fmt"
	"net/http"
	"strconv"
)

func paramInt(r *http.Request, key string) (int, error) {
	val := r.PathValue(key)
	if val == "" {
		return 0, newError(http.StatusBadRequest, fmt.Errorf("path param[%s] not found", key))
	}

	v, err := strconv.Atoi(val)
	if err != nil || v < 0 {
		return 0, newError(http.StatusBadRequest, fmt.Errorf("path param[%s] must be a non-negative integer", key))
	}

	return v, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def, nil
	}

	v, err := strconv.Atoi(val)
	if err != nil {
		return 0, newError(http.StatusBadRequest, fmt.Errorf("query param[%s] must be integer: %w", key, err))
	}

	return v, nil
}
