package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerFunc_Handle(t *testing.T) {
	called := false
	var hf HandlerFunc = func(ctx context.Context, evt *Event) error {
		called = true
		return errors.New("boom")
	}

	err := hf.Handle(context.Background(), &Event{})
	assert.True(t, called)
	assert.EqualError(t, err, "boom")
}

func TestRegistration_Matches(t *testing.T) {
	evt := &Event{EntityType: EntityNFT, Kind: KindNFTSale}

	cases := []struct {
		name string
		reg  Registration
		want bool
	}{
		{"exact match", Registration{EntityTypes: []EntityType{EntityNFT}, Kinds: []Kind{KindNFTSale}}, true},
		{"multi-member sets", Registration{EntityTypes: []EntityType{EntityCollection, EntityNFT}, Kinds: []Kind{KindNFTTransfer, KindNFTSale}}, true},
		{"wildcard entity", Registration{EntityTypes: []EntityType{EntityWildcard}, Kinds: []Kind{KindNFTSale}}, true},
		{"wildcard kind", Registration{EntityTypes: []EntityType{EntityNFT}, Kinds: []Kind{KindWildcard}}, true},
		{"empty sets accept everything", Registration{}, true},
		{"wrong entity", Registration{EntityTypes: []EntityType{EntityCollection}, Kinds: []Kind{KindNFTSale}}, false},
		{"wrong kind", Registration{EntityTypes: []EntityType{EntityNFT}, Kinds: []Kind{KindNFTTransfer}}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.reg.Matches(evt))
		})
	}
}

func TestRegistration_Specificity(t *testing.T) {
	assert.Equal(t, 2, Registration{EntityTypes: []EntityType{EntityNFT}, Kinds: []Kind{KindNFTSale}}.Specificity())
	assert.Equal(t, 2, Registration{EntityTypes: []EntityType{EntityNFT, EntityCollection}, Kinds: []Kind{KindNFTSale, KindNFTMint}}.Specificity())
	assert.Equal(t, 1, Registration{EntityTypes: []EntityType{EntityWildcard}, Kinds: []Kind{KindNFTSale}}.Specificity())
	assert.Equal(t, 1, Registration{EntityTypes: []EntityType{EntityNFT}, Kinds: []Kind{KindWildcard}}.Specificity())
	assert.Equal(t, 0, Registration{EntityTypes: []EntityType{EntityWildcard}, Kinds: []Kind{KindWildcard}}.Specificity())
	assert.Equal(t, 0, Registration{}.Specificity())
}
