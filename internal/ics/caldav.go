package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"

	appLog "meetrecon/internal/log"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"

	caldavTimeFormat = "20060102T150405Z"
)

// calendarQuery builds a calendar-query REPORT body selecting VEVENTs that
// overlap [start, end]. Servers return recurring masters whose expansion
// touches the range, together with their overrides.
func calendarQuery(start, end time.Time) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	root := doc.CreateElement("C:calendar-query")
	root.CreateAttr("xmlns:D", nsDAV)
	root.CreateAttr("xmlns:C", nsCalDAV)

	prop := root.CreateElement("D:prop")
	prop.CreateElement("D:getetag")
	prop.CreateElement("C:calendar-data")

	filter := root.CreateElement("C:filter")
	vcal := filter.CreateElement("C:comp-filter")
	vcal.CreateAttr("name", "VCALENDAR")
	vevent := vcal.CreateElement("C:comp-filter")
	vevent.CreateAttr("name", "VEVENT")
	tr := vevent.CreateElement("C:time-range")
	tr.CreateAttr("start", start.UTC().Format(caldavTimeFormat))
	tr.CreateAttr("end", end.UTC().Format(caldavTimeFormat))

	return doc.WriteToBytes()
}

// parseMultistatus extracts the calendar-data payload of every successful
// response in a multistatus document.
func parseMultistatus(body []byte) ([][]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("caldav: parse multistatus: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, errors.New("caldav: response is not a multistatus document")
	}

	var out [][]byte
	for _, resp := range root.SelectElements("response") {
		href := resp.SelectElement("href")
		for _, ps := range resp.SelectElements("propstat") {
			if status := ps.SelectElement("status"); status != nil && !strings.Contains(status.Text(), " 200") {
				continue
			}
			prop := ps.SelectElement("prop")
			if prop == nil {
				continue
			}
			data := prop.SelectElement("calendar-data")
			if data == nil {
				continue
			}
			text := strings.TrimSpace(data.Text())
			if text == "" {
				hrefText := ""
				if href != nil {
					hrefText = href.Text()
				}
				appLog.Debug("caldav response without calendar-data", "href", hrefText)
				continue
			}
			out = append(out, []byte(text))
		}
	}
	return out, nil
}

// FetchCalDAV runs a calendar-query REPORT against a CalDAV collection.
// CalDAV results are not cached on disk: the query depends on the range.
func (f *Fetcher) FetchCalDAV(ctx context.Context, src Source, start, end time.Time) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, ErrSourceURLEmpty
	}

	query, err := calendarQuery(start, end)
	if err != nil {
		return FetchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "REPORT", src.URL, bytes.NewReader(query))
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")
	if src.Username != "" {
		req.SetBasicAuth(src.Username, src.Password)
	}

	appLog.Info("caldav report start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return FetchResult{}, fmt.Errorf("caldav: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, err
	}

	bodies, err := parseMultistatus(body)
	if err != nil {
		return FetchResult{}, err
	}

	appLog.Info("caldav report success", "id", src.ID, "url", redactURL(src.URL), "objects", len(bodies))
	return FetchResult{Source: src, Bodies: bodies}, nil
}
