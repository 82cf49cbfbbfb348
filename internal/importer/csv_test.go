package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHeader = "Date/Time,Symbol,Buy/Sell,Quantity,Price,Commission,CurrencyPrimary\n"

func TestReadRows(t *testing.T) {
	data := []byte(sampleHeader +
		"20240131;143000,AAPL,BUY,100,185.50,-1.25,USD\n" +
		"20240131;153000,AAPL,SELL,100,187.00,-1.25,USD\n")

	rows, err := readRows(data)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Index)
	assert.Equal(t, "AAPL", rows[0].get("Symbol"))
	assert.Equal(t, 3, rows[1].Index)
	assert.Equal(t, "SELL", rows[1].get("Buy/Sell"))
}

func TestReadRowsStripsBOM(t *testing.T) {
	data := append([]byte{0xef, 0xbb, 0xbf}, []byte(sampleHeader+
		"20240131;143000,AAPL,BUY,100,185.50,-1.25,USD\n")...)

	rows, err := readRows(data)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "AAPL", rows[0].get("Symbol"))
}

func TestReadRowsEmptyFile(t *testing.T) {
	_, err := readRows(nil)
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = readRows([]byte("   \n  "))
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestReadRowsMissingColumns(t *testing.T) {
	_, err := readRows([]byte("Symbol,Quantity\nAAPL,100\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required columns")
	assert.Contains(t, err.Error(), "Date/Time")
}

func TestReadRowsHeaderOnly(t *testing.T) {
	_, err := readRows([]byte(sampleHeader))
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestReadRowsShortRecord(t *testing.T) {
	data := []byte(sampleHeader + "20240131;143000,AAPL,BUY\n")

	rows, err := readRows(data)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BUY", rows[0].get("Buy/Sell"))
	assert.Equal(t, "", rows[0].get("Price"))
}
