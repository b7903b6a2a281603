package autoscout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"autoscout-watcher/models"
)

// NormalizationError reports a raw record that cannot become a Listing.
// The identity key is the only mandatory field; everything else degrades
// to unknown/absent.
type NormalizationError struct {
	Reason string
}

const ReasonMissingIdentityKey = "missing identity key"

func (e *NormalizationError) Error() string {
	return "normalize: " + e.Reason
}

// Alias tables map each canonical attribute to an ordered list of upstream
// field paths. The first path that resolves wins, so an upstream rename only
// needs a new entry here. Dots descend into nested objects.
var (
	identityAliases     = []string{"id", "listingId", "adId"}
	makeAliases         = []string{"vehicle.make", "make"}
	modelAliases        = []string{"vehicle.model", "model"}
	modelVersionAliases = []string{"vehicle.modelVersionInput", "modelVersion"}
	priceRawAliases     = []string{"price.priceRaw", "price.raw", "priceRaw", "price"}
	priceTextAliases    = []string{"price.priceFormatted", "price.formatted", "priceFormatted"}
	urlAliases          = []string{"url", "link"}
	transmissionAliases = []string{"vehicle.transmissionType", "transmission"}
	mileageAliases      = []string{"vehicle.mileageInKmRaw", "mileageInKmRaw", "mileage"}
	firstRegAliases     = []string{"vehicle.firstRegistrationDateRaw", "firstRegistrationDate"}
)

// Icon names used in the vehicleDetails feature list.
const (
	iconTransmission = "transmission"
	iconMileage      = "mileage_road"
	iconCalendar     = "calendar"
)

var (
	digitsRegexp = regexp.MustCompile(`\d+`)
	yearRegexp   = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
)

// Normalize converts one raw upstream record into a canonical Listing.
// Pure function: no I/O, no clock reads beyond the supplied now.
func Normalize(raw models.RawRecord, baseURL string, now time.Time) (*models.Listing, error) {
	identity := asString(firstAlias(raw, identityAliases))
	if identity == "" {
		return nil, &NormalizationError{Reason: ReasonMissingIdentityKey}
	}

	features := extractFeatures(raw)

	l := &models.Listing{
		IdentityKey:      identity,
		Make:             asString(firstAlias(raw, makeAliases)),
		Model:            buildModel(raw),
		PriceCents:       extractPriceCents(raw),
		PriceText:        asString(firstAlias(raw, priceTextAliases)),
		Transmission:     extractTransmission(raw, features),
		MileageKm:        extractMileage(raw, features),
		RegistrationYear: extractRegistrationYear(raw, features),
		Features:         featureStrings(features),
		URL:              buildListingURL(asString(firstAlias(raw, urlAliases)), baseURL),
		ImageURL:         firstImage(raw),
		FirstSeenAt:      now,
		LastSeenAt:       now,
		RawFingerprint:   Fingerprint(raw),
	}
	return l, nil
}

// Fingerprint hashes the raw record with all map keys recursively sorted, so
// cosmetic JSON key reordering upstream never changes the result.
func Fingerprint(raw models.RawRecord) string {
	h := sha256.New()
	writeCanonical(h, map[string]any(raw))
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(w io.Writer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "{")
		for _, k := range keys {
			io.WriteString(w, strconv.Quote(k))
			io.WriteString(w, ":")
			writeCanonical(w, t[k])
			io.WriteString(w, ",")
		}
		io.WriteString(w, "}")
	case []any:
		io.WriteString(w, "[")
		for _, e := range t {
			writeCanonical(w, e)
			io.WriteString(w, ",")
		}
		io.WriteString(w, "]")
	case string:
		io.WriteString(w, strconv.Quote(t))
	case float64:
		io.WriteString(w, strconv.FormatFloat(t, 'g', -1, 64))
	case bool:
		io.WriteString(w, strconv.FormatBool(t))
	case nil:
		io.WriteString(w, "null")
	default:
		fmt.Fprintf(w, "%v", t)
	}
}

// firstAlias returns the value at the first alias path present in raw.
func firstAlias(raw models.RawRecord, aliases []string) any {
	for _, path := range aliases {
		if v, ok := lookupPath(raw, path); ok {
			return v
		}
	}
	return nil
}

func lookupPath(raw models.RawRecord, path string) (any, bool) {
	var cur any = map[string]any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// asString renders scalar JSON values as strings. Numeric ids like 12345
// become "12345", not "12345.000000".
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

// buildModel joins model and model version the way the source displays them.
func buildModel(raw models.RawRecord) string {
	model := asString(firstAlias(raw, modelAliases))
	version := asString(firstAlias(raw, modelVersionAliases))
	if version == "" {
		return model
	}
	return strings.TrimSpace(model + " " + version)
}

func extractPriceCents(raw models.RawRecord) *int64 {
	if v := firstAlias(raw, priceRawAliases); v != nil {
		if f, ok := v.(float64); ok && f > 0 {
			cents := int64(math.Round(f * 100))
			return &cents
		}
	}
	if text := asString(firstAlias(raw, priceTextAliases)); text != "" {
		return parsePriceText(text)
	}
	return nil
}

// parsePriceText extracts a price in cents from display strings such as
// "€ 15.000,-" or "15.000,50 €". Dots are thousands separators, the comma
// starts the decimal part.
func parsePriceText(text string) *int64 {
	cleaned := strings.ReplaceAll(text, ".", "")

	whole := ""
	frac := ""
	if i := strings.Index(cleaned, ","); i >= 0 {
		whole = digitsRegexp.FindString(cleaned[:i])
		frac = digitsRegexp.FindString(cleaned[i:])
	} else {
		whole = digitsRegexp.FindString(cleaned)
	}
	if whole == "" {
		return nil
	}

	euros, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return nil
	}
	cents := euros * 100
	if len(frac) >= 2 {
		if c, err := strconv.ParseInt(frac[:2], 10, 64); err == nil {
			cents += c
		}
	}
	return &cents
}

// extractFeatures flattens the vehicleDetails list (iconName → data) into a
// string map. Unknown icon names are kept as-is; they still describe the car.
func extractFeatures(raw models.RawRecord) map[string]string {
	features := make(map[string]string)
	details, ok := lookupPath(raw, "vehicleDetails")
	if !ok {
		return features
	}
	list, ok := details.([]any)
	if !ok {
		return features
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := asString(m["iconName"])
		if name == "" {
			continue
		}
		data := asString(m["data"])
		if data == "" {
			data = "Unknown"
		}
		features[name] = data
	}
	return features
}

func featureStrings(features map[string]string) []string {
	out := make([]string, 0, len(features))
	for k, v := range features {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func extractTransmission(raw models.RawRecord, features map[string]string) models.Transmission {
	text := asString(firstAlias(raw, transmissionAliases))
	if text == "" {
		text = features[iconTransmission]
	}
	return parseTransmission(text)
}

// parseTransmission maps upstream gearbox labels (German or English) onto
// the canonical enum.
func parseTransmission(text string) models.Transmission {
	t := strings.ToLower(text)
	switch {
	case t == "":
		return models.TransmissionUnknown
	case strings.Contains(t, "automat"):
		return models.TransmissionAutomatic
	case strings.Contains(t, "schalt"), strings.Contains(t, "manu"):
		return models.TransmissionManual
	default:
		return models.TransmissionUnknown
	}
}

func extractMileage(raw models.RawRecord, features map[string]string) *int {
	if v := firstAlias(raw, mileageAliases); v != nil {
		if f, ok := v.(float64); ok && f >= 0 {
			km := int(f)
			return &km
		}
	}
	// Display form, e.g. "150.000 km"
	if text, ok := features[iconMileage]; ok {
		joined := strings.Join(digitsRegexp.FindAllString(text, -1), "")
		if km, err := strconv.Atoi(joined); err == nil {
			return &km
		}
	}
	return nil
}

func extractRegistrationYear(raw models.RawRecord, features map[string]string) *int {
	text := asString(firstAlias(raw, firstRegAliases))
	if text == "" {
		text = features[iconCalendar]
	}
	m := yearRegexp.FindStringSubmatch(text)
	if len(m) < 2 {
		return nil
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &year
}

// buildListingURL resolves relative listing links against the catalog base.
func buildListingURL(link, baseURL string) string {
	if link == "" {
		return ""
	}
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(link, "/")
}

func firstImage(raw models.RawRecord) string {
	v, ok := lookupPath(raw, "images")
	if !ok {
		return ""
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	return asString(list[0])
}
