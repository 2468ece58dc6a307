package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterCSV_ParsesWellFormedRows(t *testing.T) {
	body := strings.NewReader(
		"exchange,symbol,token,instrument_type,expiry_date,strike,lot_size,tick_size\n" +
			"NSE_EQ,RELIANCE,738561,EQ,,,1,0.05\n" +
			"NSE_FO,NIFTY24NOVFUT,45678,FUT,2024-11-28,,50,0.05\n" +
			"NSE_FO,NIFTY24NOV24500CE,45679,CE,2024-11-28,24500,50,0.05\n",
	)

	rows, err := parseMasterCSV(body)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "RELIANCE", rows[0].Symbol)
	assert.Equal(t, int32(738561), rows[0].Token)
	assert.Nil(t, rows[0].ExpiryDate)
	assert.Nil(t, rows[0].Strike)

	require.NotNil(t, rows[2].Strike)
	assert.Equal(t, 24500.0, *rows[2].Strike)
	require.NotNil(t, rows[2].ExpiryDate)
	assert.Equal(t, 2024, rows[2].ExpiryDate.Year())
}

func TestParseMasterCSV_SkipsRowsWithUnparseableToken(t *testing.T) {
	body := strings.NewReader(
		"exchange,symbol,token,instrument_type,expiry_date,strike,lot_size,tick_size\n" +
			"NSE_EQ,GARBAGE,not-a-number,EQ,,,1,0.05\n" +
			"NSE_EQ,RELIANCE,738561,EQ,,,1,0.05\n",
	)

	rows, err := parseMasterCSV(body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "RELIANCE", rows[0].Symbol)
}

func TestParseMasterCSV_RejectsMissingRequiredColumn(t *testing.T) {
	body := strings.NewReader("exchange,symbol,token\nNSE_EQ,RELIANCE,738561\n")

	_, err := parseMasterCSV(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_csv")
}

func TestParseMasterCSV_RejectsEmptyFeed(t *testing.T) {
	_, err := parseMasterCSV(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_csv")
}

func TestParseMasterCSV_ColumnOrderIsIndependent(t *testing.T) {
	body := strings.NewReader(
		"symbol,exchange,token,tick_size,lot_size,strike,expiry_date,instrument_type\n" +
			"RELIANCE,NSE_EQ,738561,0.05,1,,,EQ\n",
	)

	rows, err := parseMasterCSV(body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "NSE_EQ", rows[0].Exchange)
	assert.Equal(t, "RELIANCE", rows[0].Symbol)
}
