package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifierCloseThenNotify(t *testing.T) {
	n := NewNotifierService(newFakeRepo())
	n.Notify(AlertEvent{Level: AlertWarning, DomainName: "a.example.com"})
	n.Close()

	// 關機收尾時排程與監控可能還會送事件進來，Close 之後靜默丟棄
	assert.NotPanics(t, func() {
		n.Notify(AlertEvent{Level: AlertCritical, DomainName: "b.example.com"})
	})
	assert.NotPanics(t, n.Close)
}
