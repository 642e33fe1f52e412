package vec

import (
	"fmt"
	"math"
)

// Vec3 представляет трехмерный вектор с плавающими координатами
// (позиции якорей порталов и точки появления игроков)
type Vec3 struct {
	X float64 `json:"x" yaml:"x" bson:"x"`
	Y float64 `json:"y" yaml:"y" bson:"y"`
	Z float64 `json:"z" yaml:"z" bson:"z"`
}

// Zero нулевой вектор. Не используется как признак "не найдено".
var Zero = Vec3{}

// New создаёт вектор из трёх координат
func New(x, y, z float64) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

// IsZero проверяет, является ли вектор нулевым
func (v Vec3) IsZero() bool {
	return v == Zero
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// DistanceTo возвращает евклидово расстояние до другого вектора
func (v Vec3) DistanceTo(other Vec3) float64 {
	d := v.Sub(other)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v == other
}

// String возвращает строковое представление "(x, y, z)"
func (v Vec3) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}
