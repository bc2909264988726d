package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCollapsesRepeatedMACs(t *testing.T) {
	macs := []string{
		"aa:bb:cc:dd:ee:01",
		"aa:bb:cc:dd:ee:01",
		"aa:bb:cc:dd:ee:02",
		"aa:bb:cc:dd:ee:01",
	}
	assert.Equal(t,
		[]string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"},
		dedupe(macs))
}

func TestDedupeKeepsFirstOccurrenceOrder(t *testing.T) {
	macs := []string{"02:00:00:00:00:02", "02:00:00:00:00:01", "02:00:00:00:00:02"}
	assert.Equal(t,
		[]string{"02:00:00:00:00:02", "02:00:00:00:00:01"}, dedupe(macs))
}

func TestDedupeEmpty(t *testing.T) {
	assert.Empty(t, dedupe(nil))
}
