package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// ErrInvalidRequest wraps every decode, parse and validation failure
var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New()

// ParseJSON decodes a single JSON object from the request body into dest and
// validates it. Unknown fields are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", ErrInvalidRequest)
		}
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must be a single JSON object", ErrInvalidRequest)
	}
	return Validate(dest)
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteRequestError(w, err)
		return false
	}
	return true
}

// Validate runs struct tag validation on v
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Not a struct; nothing to validate
			return nil
		}
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// FieldErrors flattens validator errors into field -> failed rule
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fieldName(fe.Namespace())] = rule
	}
	return out
}

// fieldName strips the root struct from a validator namespace
func fieldName(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return strings.ToLower(ns[i+1:])
	}
	return strings.ToLower(ns)
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("%w: missing path parameter: %s", ErrInvalidRequest, key)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer for query param %s: %s", ErrInvalidRequest, key, str)
	}
	return val, nil
}

// ParseQueryInt64 extracts and parses an int64 query parameter
func ParseQueryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer for query param %s: %s", ErrInvalidRequest, key, str)
	}
	return val, nil
}

// ParseQueryBool extracts and parses a boolean query parameter
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("%w: invalid boolean for query param %s: %s", ErrInvalidRequest, key, str)
	}
	return val, nil
}

// ParseQueryTime extracts an RFC 3339 timestamp. A missing parameter is nil.
func ParseQueryTime(r *http.Request, key string) (*time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp for query param %s: %s", ErrInvalidRequest, key, str)
	}
	t = t.UTC()
	return &t, nil
}

// ParseQueryList returns a comma-separated or repeated query parameter as a
// list, skipping blanks
func ParseQueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}
