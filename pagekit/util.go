package pagekit

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rubenfonseca/fastimage"
)

func ReadJSONFile(fname string, res interface{}) error {
	bytes, err := ioutil.ReadFile(fname)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bytes, res); err != nil {
		return fmt.Errorf("error decoding %s: %v", fname, err)
	}
	return nil
}

func WriteJSONFile(fname string, x interface{}) error {
	bytes, err := json.MarshalIndent(x, "", "\t")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(fname, bytes, 0644)
}

func JsonMarshal(x interface{}) []byte {
	bytes, err := json.Marshal(x)
	if err != nil {
		panic(err)
	}
	return bytes
}

func JsonResponse(w http.ResponseWriter, x interface{}) {
	bytes := JsonMarshal(x)
	w.Header().Set("Content-Type", "application/json")
	w.Write(bytes)
}

func ParseJsonRequest(w http.ResponseWriter, r *http.Request, x interface{}) error {
	bytes, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("json decode error: %v", err), 400)
		return err
	}
	if err := json.Unmarshal(bytes, x); err != nil {
		http.Error(w, fmt.Sprintf("json decode error: %v", err), 400)
		return err
	}
	return nil
}

func ParseInt(str string) int {
	x, err := strconv.Atoi(str)
	if err != nil {
		panic(err)
	}
	return x
}

// Create the directory (and parents) if it doesn't exist yet.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not mkdir %s: %v", dir, err)
	}
	return nil
}

func SeedRand() {
	var b [8]byte
	_, err := crypto_rand.Read(b[:])
	if err != nil {
		panic(err)
	}
	rand.Seed(int64(binary.BigEndian.Uint64(b[:])))
}

func Clip(x, lo, hi int) int {
	if x < lo {
		return lo
	} else if x > hi {
		return hi
	} else {
		return x
	}
}

func GetImageDimsFromFile(fname string) ([2]int, error) {
	var dims [2]int
	file, err := os.Open(fname)
	if err != nil {
		return dims, err
	}
	defer file.Close()
	_, size, err := fastimage.DetectImageTypeFromReader(file)
	if err != nil {
		return dims, err
	} else if size == nil {
		return dims, fmt.Errorf("unknown image format")
	}
	dims = [2]int{int(size.Width), int(size.Height)}
	return dims, nil
}

// Like filepath.Ext but doesn't include the ".".
func Ext(fname string) string {
	ext := filepath.Ext(fname)
	if len(ext) == 0 || ext[0] != '.' {
		return ext
	} else {
		return ext[1:]
	}
}

// Filename without directory and extension.
func BaseName(fname string) string {
	base := filepath.Base(fname)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func FileExists(fname string) bool {
	if fname == "" {
		return false
	}
	_, err := os.Stat(fname)
	return err == nil
}

// Formats a template like "ep{epoch:05d}-loss{loss:.3f}" with the given values.
// Supported verbs are d (int) and f (float), with optional zero-pad width and precision.
func FormatTemplate(tmpl string, values map[string]float64) (string, error) {
	var buf bytes.Buffer
	for {
		start := strings.Index(tmpl, "{")
		if start == -1 {
			buf.WriteString(tmpl)
			break
		}
		end := strings.Index(tmpl[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("unterminated field in %q", tmpl)
		}
		end += start
		buf.WriteString(tmpl[:start])
		field := tmpl[start+1:end]
		tmpl = tmpl[end+1:]

		name, spec := field, ""
		if idx := strings.Index(field, ":"); idx != -1 {
			name, spec = field[:idx], field[idx+1:]
		}
		value, ok := values[name]
		if !ok {
			return "", fmt.Errorf("unknown field %s", name)
		}
		if spec == "" {
			buf.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
			continue
		}
		verb := spec[len(spec)-1]
		switch verb {
		case 'd':
			buf.WriteString(fmt.Sprintf("%"+spec, int(value)))
		case 'f', 'e', 'g':
			buf.WriteString(fmt.Sprintf("%"+spec, value))
		default:
			return "", fmt.Errorf("unsupported format %q", spec)
		}
	}
	return buf.String(), nil
}
