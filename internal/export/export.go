// Package export renders reconciled occurrences as an iCalendar feed.
package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"meetrecon/internal/model"
)

const (
	productID = "-//meetrecon//reconciled meetings//EN"

	// PropKind carries the occurrence's source kind on each VEVENT.
	PropKind = "X-MEETRECON-KIND"
	// PropSeries carries the series key so clients can regroup instances.
	PropSeries = "X-MEETRECON-SERIES"
)

// UID returns a stable identifier for an occurrence. For series instances
// it depends only on the series key and the instance key, so it survives
// master re-creation. Passthrough events also fold in their source, since
// two calendars can carry the same subject at the same time.
func UID(o model.Occurrence) string {
	key := o.SeriesKey
	switch o.Kind {
	case model.SourceSingleEvent, model.SourceStandaloneException:
		key = o.SourceID + "\x00" + key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8]) + "-" + o.InstanceKey + "@meetrecon"
}

// Calendar builds a VCALENDAR with one VEVENT per occurrence. stamp is
// used as DTSTAMP for every event.
func Calendar(occ []model.Occurrence, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, o := range occ {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, UID(o))
		event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
		event.Props.SetDateTime(ical.PropDateTimeStart, o.Start.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, o.End.UTC())
		event.Props.SetText(ical.PropSummary, o.Subject)
		if o.Location != "" {
			event.Props.SetText(ical.PropLocation, o.Location)
		}
		event.Props.SetText(PropKind, o.Kind.String())
		event.Props.SetText(PropSeries, o.SeriesKey)
		cal.Children = append(cal.Children, event.Component)
	}
	return cal
}

// emptyFeed is a VCALENDAR without events. The encoder refuses to write a
// calendar with no components.
const emptyFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:" + productID + "\r\n" +
	"END:VCALENDAR\r\n"

// Write encodes occurrences as an iCalendar stream. Nothing reaches w when
// encoding fails.
func Write(w io.Writer, occ []model.Occurrence, stamp time.Time) error {
	if len(occ) == 0 {
		_, err := io.WriteString(w, emptyFeed)
		return err
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(Calendar(occ, stamp)); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}
