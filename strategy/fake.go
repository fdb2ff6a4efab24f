package strategy

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/brunobiangulo/goredact/pii"
)

// DefaultFake replaces entity types without a generator.
const DefaultFake = "***"

type fakeStrategy struct {
	seed uint64
	zh   bool

	mu    sync.Mutex
	cache map[string]string
	seen  firstOnly
}

func newFake(opts Options) *fakeStrategy {
	return &fakeStrategy{
		seed:  opts.Seed,
		zh:    strings.HasPrefix(strings.ToLower(opts.Language), "zh"),
		cache: map[string]string{},
		seen:  firstOnly{},
	}
}

func (s *fakeStrategy) Method() Method { return Fake }

func (s *fakeStrategy) Apply(h Handle, r pii.Region) error {
	e, err := editor(h, Fake)
	if err != nil {
		return err
	}
	s.mu.Lock()
	v := s.seen.take(r, s.value(r.Entity.Type, r.Entity.Text))
	s.mu.Unlock()
	return e.ReplaceText(r, v)
}

// value returns the substitute for text, stable for the strategy's seed.
func (s *fakeStrategy) value(entityType, text string) string {
	key := entityType + "\x00" + text
	if v, ok := s.cache[key]; ok {
		return v
	}
	v := FakeValue(s.seed, entityType, text, s.zh)
	s.cache[key] = v
	return v
}

// FakeValue generates a synthetic value of entityType. The result depends
// only on (seed, entityType, text, zh).
func FakeValue(seed uint64, entityType, text string, zh bool) string {
	h := fnv.New64a()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(text))
	f := gofakeit.New(seed ^ h.Sum64())

	switch entityType {
	case "PERSON":
		if zh {
			return zhName(f)
		}
		return f.Name()
	case "PHONE_NUMBER":
		if zh {
			return zhMobile(f)
		}
		return f.Phone()
	case "LOCATION":
		if zh {
			return zhCities[f.Number(0, len(zhCities)-1)]
		}
		return f.City()
	case "EMAIL_ADDRESS":
		return f.Email()
	case "DATE_TIME":
		d := f.Date()
		if zh {
			return d.Format("2006年01月02日")
		}
		return d.Format("2006-01-02")
	case "CREDIT_CARD":
		return f.CreditCardNumber(nil)
	case "US_BANK_NUMBER":
		return f.AchAccount()
	case "CN_ID_CARD":
		return zhIDCard(f)
	case "IBAN_CODE":
		return fmt.Sprintf("DE%02d%018d", f.Number(10, 99), f.Number(0, 999999999))
	case "IP_ADDRESS":
		return f.IPv4Address()
	default:
		return DefaultFake
	}
}

var zhSurnames = []string{"王", "李", "张", "刘", "陈", "杨", "黄", "赵", "吴", "周", "徐", "孙", "马", "朱", "胡", "郭", "何", "林", "罗", "高"}

var zhGiven = []string{"伟", "芳", "娜", "敏", "静", "丽", "强", "磊", "军", "洋", "勇", "艳", "杰", "涛", "明", "超", "秀英", "霞", "平", "刚", "桂英", "建华", "文", "斌"}

var zhCities = []string{"北京市", "上海市", "广州市", "深圳市", "杭州市", "南京市", "成都市", "武汉市", "西安市", "重庆市", "天津市", "苏州市", "长沙市", "郑州市", "青岛市"}

// zhRegionCodes are six-digit administrative division prefixes.
var zhRegionCodes = []string{"110101", "310101", "440103", "440304", "330102", "320102", "510104", "420102", "610102", "500101"}

func zhName(f *gofakeit.Faker) string {
	name := zhSurnames[f.Number(0, len(zhSurnames)-1)] + zhGiven[f.Number(0, len(zhGiven)-1)]
	if f.Bool() {
		name += zhGiven[f.Number(0, len(zhGiven)-1)]
	}
	return name
}

func zhMobile(f *gofakeit.Faker) string {
	return fmt.Sprintf("1%d%09d", f.Number(3, 9), f.Number(0, 999999999))
}

// zhIDCard returns an 18-character resident ID with a valid check digit.
func zhIDCard(f *gofakeit.Faker) string {
	d := f.DateRange(yearStart(1950), yearStart(2005))
	body := fmt.Sprintf("%s%s%03d", zhRegionCodes[f.Number(0, len(zhRegionCodes)-1)], d.Format("20060102"), f.Number(0, 999))
	return body + string(idChecksum(body))
}

func yearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

var idWeights = []int{7, 9, 10, 5, 8, 4, 2, 1, 6, 3, 7, 9, 10, 5, 8, 4, 2}

const idCheckChars = "10X98765432"

func idChecksum(body string) byte {
	sum := 0
	for i := 0; i < 17 && i < len(body); i++ {
		sum += int(body[i]-'0') * idWeights[i]
	}
	return idCheckChars[sum%11]
}
