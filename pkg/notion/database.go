package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Upsert updates the page whose keyProperty equals key, or creates one
// carrying key. It reports whether a page was created.
func Upsert(ctx context.Context, db Database, keyProperty, key string, props notionapi.Properties) (bool, error) {
	id, err := db.FindPage(ctx, keyProperty, key)
	if err != nil {
		return false, eris.Wrapf(err, "notion: upsert %s", key)
	}
	if id != "" {
		if err := db.UpdatePage(ctx, id, props); err != nil {
			return false, eris.Wrapf(err, "notion: upsert %s", key)
		}
		return false, nil
	}

	props[keyProperty] = Text(key)
	if err := db.CreatePage(ctx, props); err != nil {
		return false, eris.Wrapf(err, "notion: upsert %s", key)
	}
	return true, nil
}

// Title builds a title property.
func Title(s string) notionapi.TitleProperty {
	return notionapi.TitleProperty{
		Type:  notionapi.PropertyTypeTitle,
		Title: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}},
	}
}

// Text builds a rich text property. Notion caps a text object at 2000
// characters; longer values are cut.
func Text(s string) notionapi.RichTextProperty {
	if r := []rune(s); len(r) > 2000 {
		s = string(r[:2000])
	}
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}},
	}
}

// Select builds a select property.
func Select(s string) notionapi.SelectProperty {
	return notionapi.SelectProperty{
		Type:   notionapi.PropertyTypeSelect,
		Select: notionapi.Option{Name: s},
	}
}

// Number builds a number property.
func Number(f float64) notionapi.NumberProperty {
	return notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: f}
}

// Date builds a date property.
func Date(t time.Time) notionapi.DateProperty {
	d := notionapi.Date(t)
	return notionapi.DateProperty{
		Type: notionapi.PropertyTypeDate,
		Date: &notionapi.DateObject{Start: &d},
	}
}
