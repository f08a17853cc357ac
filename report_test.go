package pgmig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollapseNames(t *testing.T) {
	assert.Equal(t,
		[]string{"host:sh0001-0003,0008-0009", "other:01-03"},
		CollapseNames([]string{
			"host:sh0001", "host:sh0002", "host:sh0003",
			"host:sh0008", "host:sh0009",
			"other:01", "other:02", "other:03",
		}))

	assert.Equal(t,
		[]string{"host:sh0001,0003"},
		CollapseNames([]string{"host:sh0001", "host:sh0003"}))

	assert.Equal(t,
		[]string{"host:public", "host:sh0001"},
		CollapseNames([]string{"host:public", "host:sh0001"}))

	assert.Empty(t, CollapseNames(nil))
}
