package validation

import (
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// CollectionSize is the number of cards a card collection must carry.
const CollectionSize = 12

// New returns a configured validator with the product-type struct rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report json field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	v.RegisterStructValidation(webhookMetadataStructValidation, WebhookMetadata{})

	return v
}

// createOrderStructValidation enforces the shape of each product variant:
// a message carries exactly one message and no cards, a collection exactly 12 cards.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	switch req.ProductType {
	case "message":
		// the message body itself is validated as a nested struct
		if req.Message == nil {
			sl.ReportError(req.Message, "message", "Message", "required_for_message", "")
		}
		if len(req.Cards) > 0 {
			sl.ReportError(req.Cards, "cards", "Cards", "excluded_for_message", "")
		}
	case "card-collection":
		if len(req.Cards) != CollectionSize {
			sl.ReportError(req.Cards, "cards", "Cards", "len_collection", fmt.Sprintf("got %d cards, want %d", len(req.Cards), CollectionSize))
		}
		for i, c := range req.Cards {
			if err := sl.Validator().Struct(c); err != nil {
				sl.ReportError(c, fmt.Sprintf("cards[%d]", i), fmt.Sprintf("Cards[%d]", i), "valid_card", err.Error())
			}
		}
		if req.Message != nil {
			sl.ReportError(req.Message, "message", "Message", "excluded_for_collection", "")
		}
	}
}

// webhookMetadataStructValidation requires the collection variant to declare its card count.
func webhookMetadataStructValidation(sl validatorv10.StructLevel) {
	md := sl.Current().Interface().(WebhookMetadata)

	switch md.ProductType {
	case "message":
		if md.CardCount > 1 {
			sl.ReportError(md.CardCount, "card_count", "CardCount", "message_single_card", "")
		}
	case "card-collection":
		if md.CardCount != CollectionSize {
			sl.ReportError(md.CardCount, "card_count", "CardCount", "len_collection", fmt.Sprintf("got %d, want %d", md.CardCount, CollectionSize))
		}
	}
}
