package transport

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// NotifyItem is one {key, value, ...} entry inside a NOTIFY/EVENT payload.
type NotifyItem struct {
	Key          string
	Value        any
	Name         string
	DisplayValue string
	Unit         string
	// Uri is the service's canonical resource path for this item, e.g.
	// "/api/homeappliances/{haId}/status/BSH.Common.Status.DoorState". Not
	// every item carries one.
	Uri string
}

// ParseNotifyData extracts the haId and item list out of a NOTIFY/EVENT
// SSE message's data field. The payload carries the haId at its top level
// next to an "items" array with one entry per change; gjson lets us pull exactly
// the fields we need without committing to a concrete struct for a payload
// whose optional fields vary per item type (status vs. option vs. event).
func ParseNotifyData(raw string) (haId string, items []NotifyItem) {
	result := gjson.Parse(raw)
	haId = result.Get("haId").String()

	result.Get("items").ForEach(func(_, item gjson.Result) bool {
		items = append(items, NotifyItem{
			Key:          item.Get("key").String(),
			Value:        item.Get("value").Value(),
			Name:         item.Get("name").String(),
			DisplayValue: item.Get("displayvalue").String(),
			Unit:         item.Get("unit").String(),
			Uri:          item.Get("uri").String(),
		})
		return true
	})
	return haId, items
}

var haIdInURIPattern = regexp.MustCompile(`/homeappliances/([^/]+)`)

// HaIdFromURI extracts the appliance id out of a resource path such as
// "/api/homeappliances/{haId}/status/...". Returns "" if uri doesn't match
// the expected shape.
func HaIdFromURI(uri string) string {
	m := haIdInURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return ""
	}
	return m[1]
}
