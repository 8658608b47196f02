package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		MessageTypeText, MessageTypeImage, MessageTypeVideo,
		MessageTypeVoice, MessageTypeFile, MessageTypeLocation,
	} {
		assert.True(t, mt.Valid(), "%s should be valid", mt)
	}

	assert.False(t, MessageType("").Valid())
	assert.False(t, MessageType("sticker").Valid())
}

func TestMessageTypeRequiresAttachment(t *testing.T) {
	assert.False(t, MessageTypeText.RequiresAttachment())
	assert.False(t, MessageTypeLocation.RequiresAttachment())

	assert.True(t, MessageTypeImage.RequiresAttachment())
	assert.True(t, MessageTypeVideo.RequiresAttachment())
	assert.True(t, MessageTypeVoice.RequiresAttachment())
	assert.True(t, MessageTypeFile.RequiresAttachment())
}
